// Package policy provides read access to per-domain configuration: domains,
// DKIM keys, mailbox/alias/distribution-list resolution and routing rules,
// together with change notifications from the backing database.
package policy

import (
	"context"
	"errors"
	"sort"

	"github.com/busybox42/mailcore/internal/domain"
)

// ErrNotFound is returned by every lookup when the entity does not exist
var ErrNotFound = errors.New("policy: not found")

// Store is the read-only accessor for domain configuration
type Store interface {
	GetDomain(ctx context.Context, name string) (*domain.Domain, error)
	GetDomainByID(ctx context.Context, id string) (*domain.Domain, error)
	GetActiveDKIMKey(ctx context.Context, domainName string) (*domain.DKIMKey, error)
	GetDKIMKeyBySelector(ctx context.Context, domainName, selector string) (*domain.DKIMKey, error)
	GetMailbox(ctx context.Context, address string) (*domain.Mailbox, error)
	GetAlias(ctx context.Context, source string) (*domain.Alias, error)
	GetDistributionList(ctx context.Context, address string) (*domain.DistributionList, error)
	// GetRoutingRules returns active rules ordered by ascending priority
	GetRoutingRules(ctx context.Context, domainID string) ([]*domain.RoutingRule, error)
}

// IsLocalDomain reports whether name is hosted here and not suspended.
// Lookup errors other than ErrNotFound are returned.
func IsLocalDomain(ctx context.Context, s Store, name string) (bool, error) {
	d, err := s.GetDomain(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return d.IsActive(), nil
}

func sortRules(rules []*domain.RoutingRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
}
