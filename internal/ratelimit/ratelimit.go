// Package ratelimit enforces per-domain hourly and daily message quotas.
// State is process-local.
package ratelimit

import (
	"sync"
	"time"
)

// Clock returns the current time
type Clock func() time.Time

// Usage is a snapshot of one domain's counters
type Usage struct {
	DomainID    string    `json:"domain_id"`
	HourlyCount int       `json:"hourly_count"`
	HourlyLimit int       `json:"hourly_limit"`
	HourlyReset time.Time `json:"hourly_reset"`
	DailyCount  int       `json:"daily_count"`
	DailyLimit  int       `json:"daily_limit"`
	DailyReset  time.Time `json:"daily_reset"`
}

// limiter holds fixed-window counters for one domain
type limiter struct {
	mu          sync.Mutex
	hourlyLimit int
	dailyLimit  int
	hourlyCount int
	dailyCount  int
	hourlyReset time.Time
	dailyReset  time.Time
	lastUsed    time.Time
}

func newLimiter(now time.Time) *limiter {
	return &limiter{
		hourlyReset: now.Add(time.Hour),
		dailyReset:  now.Add(24 * time.Hour),
		lastUsed:    now,
	}
}

func (l *limiter) roll(now time.Time) {
	if !now.Before(l.hourlyReset) {
		l.hourlyCount = 0
		l.hourlyReset = now.Add(time.Hour)
	}
	if !now.Before(l.dailyReset) {
		l.dailyCount = 0
		l.dailyReset = now.Add(24 * time.Hour)
	}
}

func (l *limiter) allow(now time.Time, hourly, daily int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.hourlyLimit = hourly
	l.dailyLimit = daily
	l.lastUsed = now
	l.roll(now)

	if hourly > 0 && l.hourlyCount >= hourly {
		return false
	}
	if daily > 0 && l.dailyCount >= daily {
		return false
	}
	l.hourlyCount++
	l.dailyCount++
	return true
}

// Registry owns one limiter per domain. The registry lock guards the map
// only; counters are guarded by each limiter's own lock.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*limiter
	now      Clock
}

// NewRegistry creates a registry. A nil clock uses time.Now.
func NewRegistry(clock Clock) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		limiters: make(map[string]*limiter),
		now:      clock,
	}
}

func (r *Registry) get(domainID string) *limiter {
	r.mu.RLock()
	l, ok := r.limiters[domainID]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok = r.limiters[domainID]; ok {
		return l
	}
	l = newLimiter(r.now())
	r.limiters[domainID] = l
	return l
}

// Allow counts one message for domainID when both windows have room.
// A limit of zero means unlimited. Nothing is counted on refusal.
func (r *Registry) Allow(domainID string, hourly, daily int) bool {
	return r.get(domainID).allow(r.now(), hourly, daily)
}

// Usage returns the current counters for domainID. ok is false when the
// domain has not been seen.
func (r *Registry) Usage(domainID string) (Usage, bool) {
	r.mu.RLock()
	l, ok := r.limiters[domainID]
	r.mu.RUnlock()
	if !ok {
		return Usage{DomainID: domainID}, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(r.now())
	return Usage{
		DomainID:    domainID,
		HourlyCount: l.hourlyCount,
		HourlyLimit: l.hourlyLimit,
		HourlyReset: l.hourlyReset,
		DailyCount:  l.dailyCount,
		DailyLimit:  l.dailyLimit,
		DailyReset:  l.dailyReset,
	}, true
}

// Prune drops limiters unused for longer than idle and returns how many
// were removed. An idle below one day is raised to one day so that daily
// counters survive.
func (r *Registry) Prune(idle time.Duration) int {
	idle = max(idle, 24*time.Hour)
	cutoff := r.now().Add(-idle)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked domains
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limiters)
}
