package domain

import (
	"strings"
	"time"
)

// Status represents the lifecycle state of a hosted domain
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusSuspended Status = "suspended"
)

// Default policy values applied when a domain row leaves them unset
const (
	DefaultMaxMessageSize   int64 = 25 * 1024 * 1024
	DefaultRateLimitPerHour       = 1000
	DefaultRateLimitPerDay        = 10000
)

// Domain is a customer domain hosted by this MTA
type Domain struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Status         Status    `json:"status"`
	MXVerified     bool      `json:"mx_verified"`
	SPFVerified    bool      `json:"spf_verified"`
	DKIMVerified   bool      `json:"dkim_verified"`
	DMARCVerified  bool      `json:"dmarc_verified"`
	Policies       Policies  `json:"policies"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Policies holds the per-domain delivery policy
type Policies struct {
	CatchAllAddress    string `json:"catch_all_address,omitempty"`
	MaxMessageSize     int64  `json:"max_message_size"`
	RequireTLS         bool   `json:"require_tls"`
	AllowExternalRelay bool   `json:"allow_external_relay"`
	RateLimitPerHour   int    `json:"rate_limit_per_hour"`
	RateLimitPerDay    int    `json:"rate_limit_per_day"`
	RejectUnknownUsers bool   `json:"reject_unknown_users"`
}

// DefaultPolicies returns the policy set given to newly onboarded domains
func DefaultPolicies() Policies {
	return Policies{
		MaxMessageSize:     DefaultMaxMessageSize,
		AllowExternalRelay: true,
		RateLimitPerHour:   DefaultRateLimitPerHour,
		RateLimitPerDay:    DefaultRateLimitPerDay,
		RejectUnknownUsers: true,
	}
}

// IsActive reports whether the domain accepts and sends mail
func (d *Domain) IsActive() bool {
	return d != nil && d.Status != StatusSuspended
}

// DKIM signing algorithms
const (
	AlgorithmRSASHA256     = "rsa-sha256"
	AlgorithmEd25519SHA256 = "ed25519-sha256"
)

// DKIMKey is a signing key owned by exactly one domain
type DKIMKey struct {
	ID         string     `json:"id"`
	DomainID   string     `json:"domain_id"`
	Selector   string     `json:"selector"`
	Algorithm  string     `json:"algorithm"`
	KeySize    int        `json:"key_size"`
	PublicKey  string     `json:"public_key"`
	PrivateKey string     `json:"-"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RotatedAt  *time.Time `json:"rotated_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Usable reports whether the key may be used for signing at now
func (k *DKIMKey) Usable(now time.Time) bool {
	if k == nil || !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// Mailbox is a deliverable local address
type Mailbox struct {
	ID         string `json:"id"`
	DomainID   string `json:"domain_id"`
	UserID     string `json:"user_id"`
	LocalPart  string `json:"local_part"`
	Address    string `json:"address"`
	Active     bool   `json:"active"`
	QuotaBytes int64  `json:"quota_bytes"`
}

// Alias maps a source address onto a target address
type Alias struct {
	ID       string `json:"id"`
	DomainID string `json:"domain_id"`
	Source   string `json:"source"`
	Target   string `json:"target"`
	Active   bool   `json:"active"`
}

// DistributionList expands one address to a member set
type DistributionList struct {
	ID         string   `json:"id"`
	DomainID   string   `json:"domain_id"`
	Address    string   `json:"address"`
	Members    []string `json:"members"`
	Moderated  bool     `json:"moderated"`
	Moderators []string `json:"moderators,omitempty"`
	Active     bool     `json:"active"`
}

// RuleAction is the action taken when a routing rule matches
type RuleAction string

const (
	ActionForward     RuleAction = "forward"
	ActionReject      RuleAction = "reject"
	ActionQuarantine  RuleAction = "quarantine"
	ActionRewriteFrom RuleAction = "rewrite-from"
	ActionRewriteTo   RuleAction = "rewrite-to"
	ActionPassThrough RuleAction = "pass-through"
)

// RoutingRule belongs to a domain and is evaluated in ascending priority
type RoutingRule struct {
	ID         string         `json:"id"`
	DomainID   string         `json:"domain_id"`
	Name       string         `json:"name"`
	Priority   int            `json:"priority"`
	Active     bool           `json:"active"`
	Conditions RuleConditions `json:"conditions"`
	Actions    RuleActions    `json:"actions"`
}

// RuleConditions are ANDed together; empty fields always match
type RuleConditions struct {
	SenderPattern    string `json:"sender_pattern,omitempty"`
	RecipientPattern string `json:"recipient_pattern,omitempty"`
	SubjectPattern   string `json:"subject_pattern,omitempty"`
	HeaderName       string `json:"header_name,omitempty"`
	HeaderPattern    string `json:"header_pattern,omitempty"`
	MinSize          int64  `json:"min_size,omitempty"`
	MaxSize          int64  `json:"max_size,omitempty"`
	HasAttachment    *bool  `json:"has_attachment,omitempty"`
}

// RuleActions describes what a matching rule does
type RuleActions struct {
	Type             RuleAction `json:"type"`
	Target           string     `json:"target,omitempty"`
	RejectMessage    string     `json:"reject_message,omitempty"`
	QuarantineReason string     `json:"quarantine_reason,omitempty"`
}

// SplitAddress splits an address into its lowercased local part and domain.
// The domain is empty when addr has no '@'.
func SplitAddress(addr string) (local, domain string) {
	addr = strings.ToLower(strings.TrimSpace(strings.Trim(addr, "<>")))
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return addr, ""
	}
	return addr[:at], addr[at+1:]
}

// DomainOf returns the lowercased domain part of addr
func DomainOf(addr string) string {
	_, d := SplitAddress(addr)
	return d
}

// NormalizeAddress lowercases and trims an address
func NormalizeAddress(addr string) string {
	local, d := SplitAddress(addr)
	if d == "" {
		return local
	}
	return local + "@" + d
}
