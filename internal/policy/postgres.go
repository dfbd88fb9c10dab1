package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/busybox42/mailcore/internal/domain"
	"github.com/lib/pq"
)

const domainColumns = `id, COALESCE(organization_id, ''), name, status,
	mx_verified, spf_verified, dkim_verified, dmarc_verified,
	COALESCE(catch_all_address, ''), max_message_size, require_tls, allow_external_relay,
	rate_limit_per_hour, rate_limit_per_day, reject_unknown_users, created_at, updated_at`

const dkimColumns = `k.id, k.domain_id, k.selector, k.algorithm, k.key_size,
	k.public_key, k.private_key, k.is_active, k.expires_at, k.rotated_at, k.created_at`

// PostgresStore reads policy from the tenant tables in PostgreSQL
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a policy store over an open lib/pq database
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "policy-store"),
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDomain(row rowScanner) (*domain.Domain, error) {
	var d domain.Domain
	var status string
	err := row.Scan(
		&d.ID, &d.OrganizationID, &d.Name, &status,
		&d.MXVerified, &d.SPFVerified, &d.DKIMVerified, &d.DMARCVerified,
		&d.Policies.CatchAllAddress, &d.Policies.MaxMessageSize, &d.Policies.RequireTLS,
		&d.Policies.AllowExternalRelay, &d.Policies.RateLimitPerHour, &d.Policies.RateLimitPerDay,
		&d.Policies.RejectUnknownUsers, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = domain.Status(status)
	if d.Policies.MaxMessageSize <= 0 {
		d.Policies.MaxMessageSize = domain.DefaultMaxMessageSize
	}
	return &d, nil
}

func (s *PostgresStore) GetDomain(ctx context.Context, name string) (*domain.Domain, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+domainColumns+` FROM domains WHERE name = $1`, strings.ToLower(name))
	d, err := scanDomain(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get domain %s: %w", name, err)
	}
	return d, err
}

func (s *PostgresStore) GetDomainByID(ctx context.Context, id string) (*domain.Domain, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+domainColumns+` FROM domains WHERE id = $1`, id)
	d, err := scanDomain(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get domain by id %s: %w", id, err)
	}
	return d, err
}

func scanDKIMKey(row rowScanner) (*domain.DKIMKey, error) {
	var k domain.DKIMKey
	var expires, rotated sql.NullTime
	err := row.Scan(&k.ID, &k.DomainID, &k.Selector, &k.Algorithm, &k.KeySize,
		&k.PublicKey, &k.PrivateKey, &k.IsActive, &expires, &rotated, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		t := expires.Time
		k.ExpiresAt = &t
	}
	if rotated.Valid {
		t := rotated.Time
		k.RotatedAt = &t
	}
	return &k, nil
}

// GetActiveDKIMKey returns the newest active, unexpired key for the domain
func (s *PostgresStore) GetActiveDKIMKey(ctx context.Context, domainName string) (*domain.DKIMKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dkimColumns+`
		FROM dkim_keys k JOIN domains d ON d.id = k.domain_id
		WHERE d.name = $1 AND k.is_active = true
		  AND (k.expires_at IS NULL OR k.expires_at > now())
		ORDER BY k.created_at DESC LIMIT 1`, strings.ToLower(domainName))
	k, err := scanDKIMKey(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get active dkim key for %s: %w", domainName, err)
	}
	return k, err
}

func (s *PostgresStore) GetDKIMKeyBySelector(ctx context.Context, domainName, selector string) (*domain.DKIMKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dkimColumns+`
		FROM dkim_keys k JOIN domains d ON d.id = k.domain_id
		WHERE d.name = $1 AND k.selector = $2`, strings.ToLower(domainName), selector)
	k, err := scanDKIMKey(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get dkim key %s._domainkey.%s: %w", selector, domainName, err)
	}
	return k, err
}

func (s *PostgresStore) GetMailbox(ctx context.Context, address string) (*domain.Mailbox, error) {
	var m domain.Mailbox
	err := s.db.QueryRowContext(ctx, `SELECT id, domain_id, COALESCE(user_id, ''), local_part,
		address, active, quota_bytes FROM mailboxes WHERE lower(address) = $1`,
		domain.NormalizeAddress(address)).
		Scan(&m.ID, &m.DomainID, &m.UserID, &m.LocalPart, &m.Address, &m.Active, &m.QuotaBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mailbox %s: %w", address, err)
	}
	return &m, nil
}

func (s *PostgresStore) GetAlias(ctx context.Context, source string) (*domain.Alias, error) {
	var a domain.Alias
	err := s.db.QueryRowContext(ctx, `SELECT id, domain_id, source, target, active
		FROM aliases WHERE lower(source) = $1 AND active = true`,
		domain.NormalizeAddress(source)).
		Scan(&a.ID, &a.DomainID, &a.Source, &a.Target, &a.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alias %s: %w", source, err)
	}
	return &a, nil
}

func (s *PostgresStore) GetDistributionList(ctx context.Context, address string) (*domain.DistributionList, error) {
	var l domain.DistributionList
	err := s.db.QueryRowContext(ctx, `SELECT l.id, l.domain_id, l.address, l.moderated, l.active,
		ARRAY(SELECT m.member_address FROM distribution_list_members m
		      WHERE m.list_id = l.id ORDER BY m.member_address),
		ARRAY(SELECT o.moderator_address FROM distribution_list_moderators o
		      WHERE o.list_id = l.id ORDER BY o.moderator_address)
		FROM distribution_lists l WHERE lower(l.address) = $1`,
		domain.NormalizeAddress(address)).
		Scan(&l.ID, &l.DomainID, &l.Address, &l.Moderated, &l.Active,
			pq.Array(&l.Members), pq.Array(&l.Moderators))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get distribution list %s: %w", address, err)
	}
	return &l, nil
}

func (s *PostgresStore) GetRoutingRules(ctx context.Context, domainID string) ([]*domain.RoutingRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, domain_id, name, priority, active,
		COALESCE(sender_pattern, ''), COALESCE(recipient_pattern, ''), COALESCE(subject_pattern, ''),
		COALESCE(header_name, ''), COALESCE(header_pattern, ''),
		COALESCE(min_size, 0), COALESCE(max_size, 0), has_attachment,
		action_type, COALESCE(action_target, ''), COALESCE(reject_message, ''),
		COALESCE(quarantine_reason, '')
		FROM routing_rules WHERE domain_id = $1 AND active = true
		ORDER BY priority ASC`, domainID)
	if err != nil {
		return nil, fmt.Errorf("query routing rules for %s: %w", domainID, err)
	}
	defer rows.Close()

	var rules []*domain.RoutingRule
	for rows.Next() {
		var r domain.RoutingRule
		var hasAttachment sql.NullBool
		var action string
		if err := rows.Scan(&r.ID, &r.DomainID, &r.Name, &r.Priority, &r.Active,
			&r.Conditions.SenderPattern, &r.Conditions.RecipientPattern, &r.Conditions.SubjectPattern,
			&r.Conditions.HeaderName, &r.Conditions.HeaderPattern,
			&r.Conditions.MinSize, &r.Conditions.MaxSize, &hasAttachment,
			&action, &r.Actions.Target, &r.Actions.RejectMessage, &r.Actions.QuarantineReason); err != nil {
			return nil, fmt.Errorf("scan routing rule: %w", err)
		}
		if hasAttachment.Valid {
			v := hasAttachment.Bool
			r.Conditions.HasAttachment = &v
		}
		r.Actions.Type = domain.RuleAction(action)
		rules = append(rules, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routing rules: %w", err)
	}

	return rules, nil
}
