package dnsresolver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/busybox42/mailcore/internal/cache"
	"golang.org/x/sync/singleflight"
)

type cachedAnswer struct {
	TXT      []string  `json:"txt,omitempty"`
	MX       []*net.MX `json:"mx,omitempty"`
	IP       []net.IP  `json:"ip,omitempty"`
	NotFound bool      `json:"nf,omitempty"`
}

// CachingResolver memoizes positive and negative answers of another
// Resolver. Concurrent identical lookups are collapsed into one query.
// Temporary failures are never cached.
type CachingResolver struct {
	next        Resolver
	cache       cache.Cache
	ttl         time.Duration
	negativeTTL time.Duration
	group       singleflight.Group
	logger      *slog.Logger
}

// NewCachingResolver wraps next. Negative answers are kept for a fifth of ttl.
func NewCachingResolver(next Resolver, c cache.Cache, ttl time.Duration) *CachingResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachingResolver{
		next:        next,
		cache:       c,
		ttl:         ttl,
		negativeTTL: ttl / 5,
		logger:      slog.Default().With("component", "dns-cache"),
	}
}

func (r *CachingResolver) resolve(ctx context.Context, kind, name string, query func() (cachedAnswer, error)) (cachedAnswer, error) {
	key := "dns:" + kind + ":" + strings.ToLower(strings.TrimSuffix(name, "."))

	var ans cachedAnswer
	if err := cache.GetJSON(ctx, r.cache, key, &ans); err == nil {
		if ans.NotFound {
			return ans, ErrNotFound
		}
		return ans, nil
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		a, err := query()
		switch {
		case err == nil:
			r.store(ctx, key, a, r.ttl)
		case IsNotFound(err):
			r.store(ctx, key, cachedAnswer{NotFound: true}, r.negativeTTL)
		}
		return a, err
	})
	if err != nil {
		return cachedAnswer{}, err
	}
	return v.(cachedAnswer), nil
}

func (r *CachingResolver) store(ctx context.Context, key string, a cachedAnswer, ttl time.Duration) {
	if err := cache.SetJSON(ctx, r.cache, key, a, ttl); err != nil && !errors.Is(err, cache.ErrNotConnected) {
		r.logger.Warn("dns cache write failed", "key", key, "error", err)
	}
}

func (r *CachingResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	a, err := r.resolve(ctx, "txt", name, func() (cachedAnswer, error) {
		txt, err := r.next.LookupTXT(ctx, name)
		return cachedAnswer{TXT: txt}, err
	})
	return a.TXT, err
}

func (r *CachingResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	a, err := r.resolve(ctx, "mx", name, func() (cachedAnswer, error) {
		mx, err := r.next.LookupMX(ctx, name)
		return cachedAnswer{MX: mx}, err
	})
	return a.MX, err
}

func (r *CachingResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	a, err := r.resolve(ctx, "ip", host, func() (cachedAnswer, error) {
		ips, err := r.next.LookupIP(ctx, host)
		return cachedAnswer{IP: ips}, err
	})
	return a.IP, err
}
