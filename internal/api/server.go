// Package api serves the admin HTTP interface: prometheus metrics, health,
// queue inspection, per-domain rate limit usage and delivery statistics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/busybox42/mailcore/internal/domain"
	"github.com/busybox42/mailcore/internal/metrics"
	"github.com/busybox42/mailcore/internal/policy"
	"github.com/busybox42/mailcore/internal/queue"
	"github.com/busybox42/mailcore/internal/ratelimit"
	"github.com/gorilla/mux"
)

// QueueReader is the part of the queue manager the API uses
type QueueReader interface {
	Stats(ctx context.Context) (queue.Stats, error)
	Get(ctx context.Context, id string) (*queue.Message, error)
	Retry(ctx context.Context, id string) (*queue.Message, error)
}

// DomainLookup resolves hosted domains by name
type DomainLookup interface {
	GetDomain(ctx context.Context, name string) (*domain.Domain, error)
}

// StatsReader is satisfied by *metrics.StatsStore
type StatsReader interface {
	Totals(ctx context.Context, domainName string) (*metrics.DeliveryStats, error)
	Hourly(ctx context.Context, domainName string) ([]metrics.HourlyStats, error)
	RecentErrors(ctx context.Context, limit int64) ([]metrics.RecentError, error)
}

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

// Config represents API server configuration
type Config struct {
	ListenAddr string
	Version    string
	RateLimit  RateLimitConfig
}

// Dependencies of the API server. Only Queue is required; missing optional
// parts make their endpoints answer 503.
type Dependencies struct {
	Queue   QueueReader
	Domains DomainLookup
	Limits  *ratelimit.Registry
	Metrics *metrics.Metrics
	Stats   StatsReader
	Checks  map[string]HealthCheck
}

// Server represents the admin API server
type Server struct {
	config      Config
	deps        Dependencies
	logger      *slog.Logger
	rateLimiter *RateLimitMiddleware
	startedAt   time.Time
	router      *mux.Router
}

// NewServer creates a new API server
func NewServer(config Config, deps Dependencies) (*Server, error) {
	if deps.Queue == nil {
		return nil, errors.New("api: queue is required")
	}
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:8025"
	}
	s := &Server{
		config:      config,
		deps:        deps,
		logger:      slog.Default().With("component", "api"),
		rateLimiter: NewRateLimitMiddleware(config.RateLimit),
		startedAt:   time.Now(),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware(s.logger))
	r.Use(s.rateLimiter.Limit)

	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/queue/stats", s.handleQueueStats).Methods(http.MethodGet)
	api.HandleFunc("/queue/{id}", s.handleGetMessage).Methods(http.MethodGet)
	api.HandleFunc("/queue/{id}/retry", s.handleRetryMessage).Methods(http.MethodPost)
	api.HandleFunc("/ratelimit/{domain}", s.handleRateLimit).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/stats/hourly", s.handleHourlyStats).Methods(http.MethodGet)
	api.HandleFunc("/stats/errors", s.handleRecentErrors).Methods(http.MethodGet)
	api.HandleFunc("/logging/level", s.HandleGetLogLevel).Methods(http.MethodGet)
	api.HandleFunc("/logging/level", s.HandleSetLogLevel).Methods(http.MethodPost, http.MethodPut)

	// Known paths reached with another method
	for _, path := range []string{
		"/queue/stats", "/queue/{id}", "/queue/{id}/retry", "/ratelimit/{domain}",
		"/stats", "/stats/hourly", "/stats/errors", "/logging/level",
	} {
		api.HandleFunc(path, methodNotAllowed)
	}
	return r
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, r.Method+" not allowed")
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) // Best effort
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.logger.Error("Failed to read queue stats", "error", err)
		writeError(w, http.StatusInternalServerError, "queue stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"counts": stats,
		"total":  stats.Total(),
	})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msg, err := s.deps.Queue.Get(r.Context(), id)
	if err != nil {
		s.queueError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleRetryMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	msg, err := s.deps.Queue.Retry(r.Context(), id)
	if err != nil {
		s.queueError(w, id, err)
		return
	}
	s.logger.Info("Message released for retry", "message_id", id)
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) queueError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, queue.ErrNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("Queue lookup failed", "message_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "queue unavailable")
	}
}

// rateLimitResponse combines the configured quotas with live usage
type rateLimitResponse struct {
	Domain string `json:"domain"`
	ratelimit.Usage
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Domains == nil || s.deps.Limits == nil {
		writeError(w, http.StatusServiceUnavailable, "rate limits unavailable")
		return
	}
	name := strings.ToLower(strings.TrimSpace(mux.Vars(r)["domain"]))
	d, err := s.deps.Domains.GetDomain(r.Context(), name)
	if errors.Is(err, policy.ErrNotFound) {
		writeError(w, http.StatusNotFound, "domain not found")
		return
	}
	if err != nil {
		s.logger.Error("Domain lookup failed", "domain", name, "error", err)
		writeError(w, http.StatusInternalServerError, "domain lookup failed")
		return
	}

	usage, seen := s.deps.Limits.Usage(d.ID)
	if !seen {
		usage.HourlyLimit = d.Policies.RateLimitPerHour
		usage.DailyLimit = d.Policies.RateLimitPerDay
	}
	writeJSON(w, http.StatusOK, rateLimitResponse{Domain: d.Name, Usage: usage})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats store not configured")
		return
	}
	stats, err := s.deps.Stats.Totals(r.Context(), r.URL.Query().Get("domain"))
	if err != nil {
		s.logger.Error("Failed to read delivery stats", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHourlyStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats store not configured")
		return
	}
	hours, err := s.deps.Stats.Hourly(r.Context(), r.URL.Query().Get("domain"))
	if err != nil {
		s.logger.Error("Failed to read hourly stats", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, hours)
}

func (s *Server) handleRecentErrors(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats store not configured")
		return
	}
	limit := int64(20)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	errs, err := s.deps.Stats.RecentErrors(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to read recent errors", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, errs)
}
