package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/busybox42/mailcore/internal/delivery"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardConfig configures the per-destination breakers and pacing
type GuardConfig struct {
	// Rate is the sustained relay attempts per second to one destination
	// domain. Zero disables pacing.
	Rate         float64
	Burst        int
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultGuardConfig returns the breaker settings used for queue delivery
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Rate:         5,
		Burst:        10,
		MaxRequests:  50,
		Interval:     time.Minute,
		Timeout:      60 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.5,
	}
}

type guard struct {
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// Guards holds one circuit breaker and limiter per destination domain
type Guards struct {
	config GuardConfig
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*guard
}

// NewGuards creates an empty guard set. Zero fields take the defaults.
func NewGuards(config GuardConfig) *Guards {
	def := DefaultGuardConfig()
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}
	if config.MaxRequests == 0 {
		config.MaxRequests = def.MaxRequests
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MinRequests == 0 {
		config.MinRequests = def.MinRequests
	}
	if config.FailureRatio <= 0 {
		config.FailureRatio = def.FailureRatio
	}
	return &Guards{
		config:  config,
		logger:  slog.Default().With("component", "relay-guard"),
		entries: make(map[string]*guard),
	}
}

func (g *Guards) get(destination string) *guard {
	g.mu.Lock()
	defer g.mu.Unlock()

	if gd, ok := g.entries[destination]; ok {
		return gd
	}

	cfg := g.config
	gd := &guard{
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "relay:" + destination,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio
			},
			// A permanent reply means the destination answered
			IsSuccessful: func(err error) bool {
				return err == nil || delivery.Classify(err) == delivery.Permanent
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				g.logger.Info("Relay circuit breaker state changed",
					"name", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
	}
	if cfg.Rate > 0 {
		gd.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
	}
	g.entries[destination] = gd
	return gd
}

// Do runs f for destination once the limiter admits it and the breaker is
// not open. Breaker rejections are returned wrapped and classify as
// temporary.
func (g *Guards) Do(ctx context.Context, destination string, f func() error) error {
	gd := g.get(destination)
	if gd.limiter != nil {
		if err := gd.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("relay pacing for %s: %w", destination, err)
		}
	}
	_, err := gd.breaker.Execute(func() (interface{}, error) {
		return nil, f()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("relay to %s suspended: %w", destination, err)
	}
	return err
}

// State returns the breaker state of destination
func (g *Guards) State(destination string) gobreaker.State {
	return g.get(destination).breaker.State()
}
