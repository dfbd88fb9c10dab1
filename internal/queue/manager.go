// Package queue provides the durable delivery queue: enqueue with per-domain
// rate limiting, atomic claims, exponential retry scheduling and the
// recovery and cleanup sweeps.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/busybox42/mailcore/internal/domain"
	"github.com/busybox42/mailcore/internal/metrics"
	"github.com/busybox42/mailcore/internal/ratelimit"
	"github.com/google/uuid"
)

// Config controls retry and sweep behaviour
type Config struct {
	RetryDelay       time.Duration
	MaxRetryDelay    time.Duration
	MaxRetries       int
	StaleAfter       time.Duration
	RecoveryInterval time.Duration
	CleanupInterval  time.Duration
	Retention        time.Duration
	PruneInterval    time.Duration
	LimiterIdle      time.Duration
}

// DefaultConfig returns the queue defaults
func DefaultConfig() Config {
	return Config{
		RetryDelay:       5 * time.Minute,
		MaxRetryDelay:    time.Hour,
		MaxRetries:       5,
		StaleAfter:       30 * time.Minute,
		RecoveryInterval: 5 * time.Minute,
		CleanupInterval:  time.Hour,
		Retention:        7 * 24 * time.Hour,
		PruneInterval:    time.Hour,
		LimiterIdle:      48 * time.Hour,
	}
}

// EnqueueRequest is one message for one owning domain
type EnqueueRequest struct {
	Domain     *domain.Domain
	From       string
	Recipients []string
	Body       []byte
	// Bounce marks generated delivery reports, which skip the domain rate limit
	Bounce bool
}

// Manager coordinates the Store, BodyStore, Notifier and rate limits
type Manager struct {
	store    Store
	bodies   BodyStore
	notifier Notifier
	limits   *ratelimit.Registry
	config   Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	leader   func() bool
}

// Option customizes a Manager
type Option func(*Manager)

// WithNotifier sets the fast-path notifier
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithMetrics records queue metrics
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLeaderCheck restricts the recovery and cleanup sweeps to instances
// for which isLeader returns true
func WithLeaderCheck(isLeader func() bool) Option {
	return func(m *Manager) { m.leader = isLeader }
}

// NewManager creates a queue manager. A nil registry disables rate limiting.
func NewManager(store Store, bodies BodyStore, limits *ratelimit.Registry, config Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if config.RetryDelay <= 0 {
		config.RetryDelay = def.RetryDelay
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = def.MaxRetryDelay
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = def.StaleAfter
	}
	if config.RecoveryInterval <= 0 {
		config.RecoveryInterval = def.RecoveryInterval
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = def.PruneInterval
	}
	if config.LimiterIdle <= 0 {
		config.LimiterIdle = def.LimiterIdle
	}

	m := &Manager{
		store:    store,
		bodies:   bodies,
		notifier: NopNotifier{},
		limits:   limits,
		config:   config,
		logger:   slog.Default().With("component", "queue-manager"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration
func (m *Manager) Config() Config {
	return m.config
}

// Notifier returns the fast-path notifier
func (m *Manager) Notifier() Notifier {
	return m.notifier
}

// Limits returns the rate limit registry, which may be nil
func (m *Manager) Limits() *ratelimit.Registry {
	return m.limits
}

// Enqueue stores the body and inserts a pending message. Rate limiting and
// size checks happen before anything is written.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*Message, error) {
	if req.Domain == nil {
		return nil, errors.New("queue: enqueue without owning domain")
	}
	if len(req.Recipients) == 0 {
		return nil, ErrNoRecipients
	}
	pol := req.Domain.Policies

	size := int64(len(req.Body))
	if pol.MaxMessageSize > 0 && size > pol.MaxMessageSize {
		m.observeRejected(req.Domain.Name, "size")
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, size, pol.MaxMessageSize)
	}
	if m.limits != nil && !req.Bounce && !m.limits.Allow(req.Domain.ID, pol.RateLimitPerHour, pol.RateLimitPerDay) {
		m.observeRejected(req.Domain.Name, "rate_limit")
		m.logger.Warn("Domain rate limit exceeded",
			"domain", req.Domain.Name,
			"hourly_limit", pol.RateLimitPerHour,
			"daily_limit", pol.RateLimitPerDay)
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, req.Domain.Name)
	}

	now := m.now().UTC()
	msg := &Message{
		ID:          uuid.NewString(),
		DomainID:    req.Domain.ID,
		From:        req.From,
		Recipients:  append([]string(nil), req.Recipients...),
		Size:        size,
		Status:      StatusPending,
		MaxRetries:  m.config.MaxRetries,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ref, err := m.bodies.Put(ctx, msg.ID, req.Body)
	if err != nil {
		return nil, fmt.Errorf("store message body: %w", err)
	}
	msg.BodyRef = ref

	if err := m.store.Insert(ctx, msg); err != nil {
		if delErr := m.bodies.Delete(ctx, ref); delErr != nil {
			m.logger.Warn("Failed to remove orphaned body",
				"message_id", msg.ID,
				"body_ref", ref,
				"error", delErr)
		}
		return nil, fmt.Errorf("insert queue message: %w", err)
	}

	if err := m.notifier.Notify(ctx, msg.DomainID, msg.ID); err != nil {
		m.logger.Warn("Fast-path notification failed",
			"message_id", msg.ID,
			"error", err)
	}

	if m.metrics != nil {
		m.metrics.MessagesReceived.WithLabelValues(req.Domain.Name).Inc()
		m.metrics.MessageSize.Observe(float64(size))
	}

	m.logger.Info("message_enqueued",
		"message_id", msg.ID,
		"domain", req.Domain.Name,
		"recipients", len(msg.Recipients),
		"size", size)
	return msg, nil
}

func (m *Manager) observeRejected(domainName, reason string) {
	if m.metrics != nil {
		m.metrics.MessagesRejected.WithLabelValues(domainName, reason).Inc()
	}
}

// Claim hands up to limit due messages to the caller
func (m *Manager) Claim(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 10
	}
	msgs, err := m.store.Claim(ctx, limit, m.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("claim messages: %w", err)
	}
	return msgs, nil
}

// RetryDelay returns min(base * 2^retryCount, max)
func (m *Manager) RetryDelay(retryCount int) time.Duration {
	delay := m.config.RetryDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= m.config.MaxRetryDelay {
			return m.config.MaxRetryDelay
		}
	}
	return min(delay, m.config.MaxRetryDelay)
}

// ScheduleRetry puts msg back to pending after the backoff delay. When the
// retry budget is exhausted the message is marked failed instead and a zero
// delay is returned along with ErrRetriesExhausted.
func (m *Manager) ScheduleRetry(ctx context.Context, msg *Message, cause error) (time.Duration, error) {
	maxRetries := msg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = m.config.MaxRetries
	}
	if msg.RetryCount+1 > maxRetries {
		if err := m.MarkFailed(ctx, msg, cause); err != nil {
			return 0, err
		}
		return 0, ErrRetriesExhausted
	}

	delay := m.RetryDelay(msg.RetryCount)
	now := m.now().UTC()
	msg.RetryCount++
	msg.NextRetryAt = now.Add(delay)
	msg.LastError = errorString(cause)
	msg.Status = StatusPending
	msg.ProcessingStartedAt = nil
	msg.UpdatedAt = now

	if err := m.store.Update(ctx, msg); err != nil {
		return 0, fmt.Errorf("schedule retry for %s: %w", msg.ID, err)
	}

	m.logger.Info("message_deferred",
		"message_id", msg.ID,
		"retry_count", msg.RetryCount,
		"delay", delay.String(),
		"next_retry_at", msg.NextRetryAt.Format(time.RFC3339),
		"error", msg.LastError)
	return delay, nil
}

// ErrRetriesExhausted is returned by ScheduleRetry when the message was
// failed instead of rescheduled
var ErrRetriesExhausted = errors.New("queue: retries exhausted")

// MarkFailed moves msg to the terminal failed state
func (m *Manager) MarkFailed(ctx context.Context, msg *Message, cause error) error {
	now := m.now().UTC()
	msg.Status = StatusFailed
	msg.LastError = errorString(cause)
	msg.ProcessingStartedAt = nil
	msg.UpdatedAt = now
	if err := m.store.Update(ctx, msg); err != nil {
		return fmt.Errorf("mark %s failed: %w", msg.ID, err)
	}
	m.logger.Warn("message_failed",
		"message_id", msg.ID,
		"retry_count", msg.RetryCount,
		"error", msg.LastError)
	return nil
}

// MarkSent moves msg to the terminal sent state and releases its body
func (m *Manager) MarkSent(ctx context.Context, msg *Message) error {
	now := m.now().UTC()
	msg.Status = StatusSent
	msg.SentAt = &now
	msg.ProcessingStartedAt = nil
	msg.UpdatedAt = now
	if err := m.store.Update(ctx, msg); err != nil {
		return fmt.Errorf("mark %s sent: %w", msg.ID, err)
	}
	if msg.BodyRef != "" {
		if err := m.bodies.Delete(ctx, msg.BodyRef); err != nil {
			m.logger.Warn("Failed to release message body",
				"message_id", msg.ID,
				"body_ref", msg.BodyRef,
				"error", err)
		}
	}
	m.logger.Info("message_sent",
		"message_id", msg.ID,
		"retry_count", msg.RetryCount)
	return nil
}

// Retry makes a failed or deferred message due immediately. Used by
// operators.
func (m *Manager) Retry(ctx context.Context, id string) (*Message, error) {
	msg, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Status == StatusSent || msg.Status == StatusProcessing {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, msg.Status)
	}
	now := m.now().UTC()
	msg.Status = StatusPending
	msg.NextRetryAt = now
	msg.UpdatedAt = now
	if err := m.store.Update(ctx, msg); err != nil {
		return nil, fmt.Errorf("retry %s: %w", id, err)
	}
	if err := m.notifier.Notify(ctx, msg.DomainID, msg.ID); err != nil {
		m.logger.Warn("Fast-path notification failed", "message_id", msg.ID, "error", err)
	}
	return msg, nil
}

// Get returns one message
func (m *Manager) Get(ctx context.Context, id string) (*Message, error) {
	return m.store.Get(ctx, id)
}

// Body returns the stored raw message
func (m *Manager) Body(ctx context.Context, msg *Message) ([]byte, error) {
	data, err := m.bodies.Get(ctx, msg.BodyRef)
	if err != nil {
		return nil, fmt.Errorf("load body for %s: %w", msg.ID, err)
	}
	return data, nil
}

// Stats returns message counts for every status
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	counts, err := m.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	out := make(Stats, len(AllStatuses))
	for _, s := range AllStatuses {
		out[s] = counts[s]
	}
	return out, nil
}

// Recover resets messages stuck in processing longer than StaleAfter
func (m *Manager) Recover(ctx context.Context) (int64, error) {
	now := m.now().UTC()
	n, err := m.store.RecoverStale(ctx, now.Add(-m.config.StaleAfter), now)
	if err != nil {
		return 0, fmt.Errorf("recover stale messages: %w", err)
	}
	if n > 0 {
		m.logger.Warn("Reset stuck messages", "count", n)
	}
	return n, nil
}

// Cleanup deletes messages older than Retention along with their bodies
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	refs, err := m.store.DeleteOlderThan(ctx, m.now().UTC().Add(-m.config.Retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup old messages: %w", err)
	}
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if err := m.bodies.Delete(ctx, ref); err != nil {
			m.logger.Warn("Failed to delete message body", "body_ref", ref, "error", err)
		}
	}
	if len(refs) > 0 {
		m.logger.Info("Cleaned up old messages", "count", len(refs))
	}
	return len(refs), nil
}

// Run drives the recovery, cleanup, limiter prune and gauge sweeps on
// independent tickers until ctx is cancelled
func (m *Manager) Run(ctx context.Context) error {
	recovery := time.NewTicker(m.config.RecoveryInterval)
	defer recovery.Stop()
	cleanup := time.NewTicker(m.config.CleanupInterval)
	defer cleanup.Stop()
	prune := time.NewTicker(m.config.PruneInterval)
	defer prune.Stop()
	gauges := time.NewTicker(15 * time.Second)
	defer gauges.Stop()

	m.logger.Info("Queue sweeps started",
		"recovery_interval", m.config.RecoveryInterval.String(),
		"cleanup_interval", m.config.CleanupInterval.String(),
		"retention", m.config.Retention.String())

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Queue sweeps stopped")
			return nil
		case <-recovery.C:
			if !m.sweeping() {
				continue
			}
			if _, err := m.Recover(ctx); err != nil {
				m.logger.Error("Recovery sweep failed", "error", err)
			}
		case <-cleanup.C:
			if !m.sweeping() {
				continue
			}
			if _, err := m.Cleanup(ctx); err != nil {
				m.logger.Error("Cleanup sweep failed", "error", err)
			}
		case <-prune.C:
			if m.limits != nil {
				if n := m.limits.Prune(m.config.LimiterIdle); n > 0 {
					m.logger.Debug("Pruned idle rate limiters", "count", n)
				}
			}
		case <-gauges.C:
			m.updateGauges(ctx)
		}
	}
}

func (m *Manager) sweeping() bool {
	return m.leader == nil || m.leader()
}

func (m *Manager) updateGauges(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	stats, err := m.Stats(ctx)
	if err != nil {
		m.logger.Error("Failed to update queue stats", "error", err)
		return
	}
	sizes := make(map[string]int, len(stats))
	for s, n := range stats {
		sizes[string(s)] = n
	}
	m.metrics.SetQueueSizes(sizes)
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
