package policy

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/busybox42/mailcore/internal/domain"
)

// MemoryStore is an in-process Store used in development mode and tests
type MemoryStore struct {
	mu        sync.RWMutex
	domains   map[string]*domain.Domain // by name
	byID      map[string]*domain.Domain
	keys      map[string][]*domain.DKIMKey // by domain name
	mailboxes map[string]*domain.Mailbox
	aliases   map[string]*domain.Alias
	lists     map[string]*domain.DistributionList
	rules     map[string][]*domain.RoutingRule // by domain ID
	now       func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		domains:   make(map[string]*domain.Domain),
		byID:      make(map[string]*domain.Domain),
		keys:      make(map[string][]*domain.DKIMKey),
		mailboxes: make(map[string]*domain.Mailbox),
		aliases:   make(map[string]*domain.Alias),
		lists:     make(map[string]*domain.DistributionList),
		rules:     make(map[string][]*domain.RoutingRule),
		now:       time.Now,
	}
}

func (s *MemoryStore) AddDomain(d *domain.Domain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[strings.ToLower(d.Name)] = d
	s.byID[d.ID] = d
}

func (s *MemoryStore) AddDKIMKey(domainName string, k *domain.DKIMKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := strings.ToLower(domainName)
	s.keys[name] = append(s.keys[name], k)
}

// DKIMKeys returns a copy of every key, grouped by domain name
func (s *MemoryStore) DKIMKeys() map[string][]*domain.DKIMKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]*domain.DKIMKey, len(s.keys))
	for name, keys := range s.keys {
		out[name] = append([]*domain.DKIMKey(nil), keys...)
	}
	return out
}

func (s *MemoryStore) AddMailbox(m *domain.Mailbox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mailboxes[domain.NormalizeAddress(m.Address)] = m
}

func (s *MemoryStore) AddAlias(a *domain.Alias) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliases[domain.NormalizeAddress(a.Source)] = a
}

func (s *MemoryStore) AddDistributionList(l *domain.DistributionList) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[domain.NormalizeAddress(l.Address)] = l
}

func (s *MemoryStore) AddRoutingRule(r *domain.RoutingRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.DomainID] = append(s.rules[r.DomainID], r)
}

func (s *MemoryStore) GetDomain(_ context.Context, name string) (*domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.domains[strings.ToLower(name)]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) GetDomainByID(_ context.Context, id string) (*domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// GetActiveDKIMKey returns the most recently created usable key
func (s *MemoryStore) GetActiveDKIMKey(_ context.Context, domainName string) (*domain.DKIMKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var best *domain.DKIMKey
	for _, k := range s.keys[strings.ToLower(domainName)] {
		if !k.Usable(now) {
			continue
		}
		if best == nil || k.CreatedAt.After(best.CreatedAt) {
			best = k
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (s *MemoryStore) GetDKIMKeyBySelector(_ context.Context, domainName, selector string) (*domain.DKIMKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys[strings.ToLower(domainName)] {
		if k.Selector == selector {
			return k, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetMailbox(_ context.Context, address string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mailboxes[domain.NormalizeAddress(address)]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) GetAlias(_ context.Context, source string) (*domain.Alias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.aliases[domain.NormalizeAddress(source)]
	if !ok || !a.Active {
		return nil, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) GetDistributionList(_ context.Context, address string) (*domain.DistributionList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lists[domain.NormalizeAddress(address)]
	if !ok {
		return nil, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) GetRoutingRules(_ context.Context, domainID string) ([]*domain.RoutingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.RoutingRule
	for _, r := range s.rules[domainID] {
		if r.Active {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out, nil
}
