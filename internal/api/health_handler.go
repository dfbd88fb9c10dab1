package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"
)

// HealthStats represents server health statistics
type HealthStats struct {
	Status          string            `json:"status"`
	Version         string            `json:"version,omitempty"`
	Uptime          int64             `json:"uptime"`           // seconds
	UptimeFormatted string            `json:"uptime_formatted"` // human readable
	StartedAt       time.Time         `json:"started_at"`
	GoVersion       string            `json:"go_version"`
	NumGoroutines   int               `json:"num_goroutines"`
	Memory          MemoryStats       `json:"memory"`
	Queue           map[string]int    `json:"queue,omitempty"`
	Checks          map[string]string `json:"checks"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	Alloc     uint64  `json:"alloc"`      // bytes allocated and in use
	Sys       uint64  `json:"sys"`        // bytes obtained from system
	HeapInuse uint64  `json:"heap_inuse"` // heap bytes in use
	NumGC     uint32  `json:"num_gc"`     // number of GC cycles
	AllocMB   float64 `json:"alloc_mb"`   // allocated in MB
}

const healthCheckTimeout = 3 * time.Second

// handleHealth runs every registered check concurrently. Any failure turns
// the response into 503 so load balancers stop routing to this node.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	results := s.runChecks(ctx)
	healthy := true
	for _, res := range results {
		if res != "ok" {
			healthy = false
		}
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	uptime := time.Since(s.startedAt)

	health := HealthStats{
		Status:          "healthy",
		Version:         s.config.Version,
		Uptime:          int64(uptime.Seconds()),
		UptimeFormatted: formatDuration(uptime),
		StartedAt:       s.startedAt,
		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:     memStats.Alloc,
			Sys:       memStats.Sys,
			HeapInuse: memStats.HeapInuse,
			NumGC:     memStats.NumGC,
			AllocMB:   float64(memStats.Alloc) / 1024 / 1024,
		},
		Checks: results,
	}

	if stats, err := s.deps.Queue.Stats(ctx); err == nil {
		health.Queue = make(map[string]int, len(stats))
		for status, n := range stats {
			health.Queue[string(status)] = n
		}
	} else {
		results["queue"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		health.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) runChecks(ctx context.Context) map[string]string {
	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]string, len(names)+1)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		check := s.deps.Checks[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := "ok"
			if err := check(ctx); err != nil {
				res = err.Error()
				s.logger.Warn("Health check failed", "check", name, "error", err)
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// formatDuration formats a duration into a human-readable string
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
