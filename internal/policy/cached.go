package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/busybox42/mailcore/internal/cache"
	"github.com/busybox42/mailcore/internal/domain"
)

// Entity families that share an invalidation generation
const (
	familyDomain = iota
	familyDKIM
	familyMailbox
	familyAlias
	familyList
	familyRouting
	familyCount
)

// tableFamilies maps notification table names to cache families
var tableFamilies = map[string][]int{
	"domains":                      {familyDomain},
	"dkim_keys":                    {familyDKIM},
	"mailboxes":                    {familyMailbox},
	"aliases":                      {familyAlias},
	"distribution_lists":           {familyList},
	"distribution_list_members":    {familyList},
	"distribution_list_moderators": {familyList},
	"routing_rules":                {familyRouting},
}

// CachedStore is a read-through cache in front of another Store. Entries
// are keyed by a per-family generation; a change notification bumps the
// generation so stale entries are never read again and simply expire.
type CachedStore struct {
	next   Store
	cache  cache.Cache
	ttl    time.Duration
	gens   [familyCount]atomic.Int64
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedStore wraps next with c. Generations are seeded from the clock so
// that entries written to a shared backend by an earlier process are ignored.
func NewCachedStore(next Store, c cache.Cache, ttl time.Duration) *CachedStore {
	s := &CachedStore{
		next:   next,
		cache:  c,
		ttl:    ttl,
		logger: slog.Default().With("component", "policy-cache"),
	}
	seed := time.Now().UnixNano()
	for i := range s.gens {
		s.gens[i].Store(seed)
	}
	return s
}

// Invalidate applies a change notification
func (s *CachedStore) Invalidate(c Change) {
	if c.Resync() {
		s.InvalidateAll()
		return
	}
	families, ok := tableFamilies[c.Table]
	if !ok {
		// permission changes and unknown tables do not affect cached lookups
		s.logger.Debug("ignoring change for uncached table", "table", c.Table, "action", c.Action)
		return
	}
	for _, f := range families {
		s.gens[f].Add(1)
	}
	// domain rows carry policies that routing and signing depend on
	if c.Table == "domains" {
		s.gens[familyDKIM].Add(1)
		s.gens[familyRouting].Add(1)
	}
	s.logger.Debug("policy cache invalidated", "table", c.Table, "action", c.Action, "id", c.ID)
}

// InvalidateAll drops every cached entry
func (s *CachedStore) InvalidateAll() {
	for i := range s.gens {
		s.gens[i].Add(1)
	}
	s.logger.Info("policy cache fully invalidated")
}

// Stats returns cache hit and miss counts
func (s *CachedStore) Stats() (hits, misses int64) {
	return s.hits.Load(), s.misses.Load()
}

// Refresh drops all entries every interval until ctx is cancelled. It
// bounds staleness when notifications are unavailable.
func (s *CachedStore) Refresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.InvalidateAll()
		}
	}
}

func (s *CachedStore) key(family int, parts ...string) string {
	return fmt.Sprintf("policy:%d:%d:%s", family, s.gens[family].Load(), strings.ToLower(strings.Join(parts, "|")))
}

// lookup implements read-through caching for one entity type
func lookup[T any](ctx context.Context, s *CachedStore, key string, load func() (T, error)) (T, error) {
	var cached T
	if err := cache.GetJSON(ctx, s.cache, key, &cached); err == nil {
		s.hits.Add(1)
		return cached, nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		s.logger.Warn("policy cache read failed", "key", key, "error", err)
	}
	s.misses.Add(1)

	v, err := load()
	if err != nil {
		return v, err
	}
	if err := cache.SetJSON(ctx, s.cache, key, v, s.ttl); err != nil {
		s.logger.Warn("policy cache write failed", "key", key, "error", err)
	}
	return v, nil
}

func (s *CachedStore) GetDomain(ctx context.Context, name string) (*domain.Domain, error) {
	return lookup(ctx, s, s.key(familyDomain, "name", name), func() (*domain.Domain, error) {
		return s.next.GetDomain(ctx, name)
	})
}

func (s *CachedStore) GetDomainByID(ctx context.Context, id string) (*domain.Domain, error) {
	return lookup(ctx, s, s.key(familyDomain, "id", id), func() (*domain.Domain, error) {
		return s.next.GetDomainByID(ctx, id)
	})
}

// GetActiveDKIMKey re-checks expiry on cached keys
func (s *CachedStore) GetActiveDKIMKey(ctx context.Context, domainName string) (*domain.DKIMKey, error) {
	k, err := lookup(ctx, s, s.key(familyDKIM, "active", domainName), func() (*domain.DKIMKey, error) {
		return s.next.GetActiveDKIMKey(ctx, domainName)
	})
	if err != nil {
		return nil, err
	}
	if !k.Usable(time.Now()) {
		return s.next.GetActiveDKIMKey(ctx, domainName)
	}
	return k, nil
}

func (s *CachedStore) GetDKIMKeyBySelector(ctx context.Context, domainName, selector string) (*domain.DKIMKey, error) {
	return lookup(ctx, s, s.key(familyDKIM, "sel", domainName, selector), func() (*domain.DKIMKey, error) {
		return s.next.GetDKIMKeyBySelector(ctx, domainName, selector)
	})
}

func (s *CachedStore) GetMailbox(ctx context.Context, address string) (*domain.Mailbox, error) {
	return lookup(ctx, s, s.key(familyMailbox, address), func() (*domain.Mailbox, error) {
		return s.next.GetMailbox(ctx, address)
	})
}

func (s *CachedStore) GetAlias(ctx context.Context, source string) (*domain.Alias, error) {
	return lookup(ctx, s, s.key(familyAlias, source), func() (*domain.Alias, error) {
		return s.next.GetAlias(ctx, source)
	})
}

func (s *CachedStore) GetDistributionList(ctx context.Context, address string) (*domain.DistributionList, error) {
	return lookup(ctx, s, s.key(familyList, address), func() (*domain.DistributionList, error) {
		return s.next.GetDistributionList(ctx, address)
	})
}

func (s *CachedStore) GetRoutingRules(ctx context.Context, domainID string) ([]*domain.RoutingRule, error) {
	return lookup(ctx, s, s.key(familyRouting, domainID), func() ([]*domain.RoutingRule, error) {
		return s.next.GetRoutingRules(ctx, domainID)
	})
}
