// Package dmarc evaluates DMARC policy (RFC 7489) on inbound mail by
// combining SPF and DKIM results with identifier alignment.
package dmarc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/busybox42/mailcore/internal/dkim"
	"github.com/busybox42/mailcore/internal/dnsresolver"
	"github.com/busybox42/mailcore/internal/metrics"
	"github.com/busybox42/mailcore/internal/spf"
)

// Dispositions
const (
	DispositionNone       = "none"
	DispositionQuarantine = "quarantine"
	DispositionReject     = "reject"
)

var ErrNoRecord = errors.New("dmarc: no record")

// SPFChecker is satisfied by *spf.Validator
type SPFChecker interface {
	Check(ctx context.Context, ip net.IP, mailFrom, helo string) *spf.CheckResult
}

// DKIMVerifier is satisfied by *dkim.Verifier
type DKIMVerifier interface {
	Verify(ctx context.Context, message []byte) ([]dkim.VerificationResult, error)
}

// CheckResult holds the complete DMARC check result
type CheckResult struct {
	Domain      string                    `json:"domain"`
	RecordAt    string                    `json:"record_at,omitempty"`
	Record      *Record                   `json:"record,omitempty"`
	Policy      Policy                    `json:"policy,omitempty"`
	SPFResult   spf.Result                `json:"spf_result"`
	SPFDomain   string                    `json:"spf_domain"`
	SPFAligned  bool                      `json:"spf_aligned"`
	DKIMResults []dkim.VerificationResult `json:"dkim_results"`
	DKIMAligned bool                      `json:"dkim_aligned"`
	Pass        bool                      `json:"pass"`
	Disposition string                    `json:"disposition"`
	Error       error                     `json:"-"`
}

// Result is the pass/fail/none label of the check
func (r *CheckResult) Result() string {
	switch {
	case r.Record == nil:
		return "none"
	case r.Pass:
		return "pass"
	default:
		return "fail"
	}
}

// Config for the validator
type Config struct {
	OrgDomainMode string
	Timeout       time.Duration
}

// Validator performs DMARC validation
type Validator struct {
	resolver  dnsresolver.Resolver
	spf       SPFChecker
	dkim      DKIMVerifier
	orgDomain OrgDomainFunc
	metrics   *metrics.Metrics
	logger    *slog.Logger
	timeout   time.Duration
}

// NewValidator creates a new DMARC validator. m may be nil.
func NewValidator(resolver dnsresolver.Resolver, spfChecker SPFChecker, verifier DKIMVerifier, cfg Config, m *metrics.Metrics) *Validator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Validator{
		resolver:  resolver,
		spf:       spfChecker,
		dkim:      verifier,
		orgDomain: OrgDomainFuncFor(cfg.OrgDomainMode),
		metrics:   m,
		logger:    slog.Default().With("component", "dmarc"),
		timeout:   timeout,
	}
}

// Check evaluates the message against the From domain's policy. SPF is
// evaluated for mailFrom (or helo when mailFrom is empty), DKIM for every
// signature on message.
func (v *Validator) Check(ctx context.Context, fromDomain string, senderIP net.IP, mailFromDomain, helo string, message []byte) *CheckResult {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	fromDomain = strings.ToLower(strings.TrimSuffix(fromDomain, "."))
	result := &CheckResult{Domain: fromDomain, Disposition: DispositionNone}
	defer v.observe(result)

	record, foundAt, lookupErr := v.lookup(ctx, fromDomain)

	// SPF and DKIM are evaluated even without a policy so that callers can
	// report them
	spfResult := v.spf.Check(ctx, senderIP, mailFromDomain, helo)
	result.SPFResult = spfResult.Result
	result.SPFDomain = spfResult.Domain

	dkimResults, err := v.dkim.Verify(ctx, message)
	if err != nil {
		v.logger.Warn("DKIM verification error", "domain", fromDomain, "error", err)
	}
	result.DKIMResults = dkimResults

	if lookupErr != nil {
		result.Error = lookupErr
		v.logger.Debug("No usable DMARC record",
			"domain", fromDomain,
			"error", lookupErr)
		return result
	}
	result.Record = record
	result.RecordAt = foundAt
	result.Policy = record.Policy
	result.SPFAligned = Aligned(fromDomain, spfResult.Domain, record.ASPF, v.orgDomain)
	result.DKIMAligned = DKIMAligned(fromDomain, dkimResults, record.ADKIM, v.orgDomain)

	spfPass := result.SPFResult == spf.ResultPass && result.SPFAligned
	result.Pass = spfPass || result.DKIMAligned

	if !result.Pass {
		policy := record.Policy
		if foundAt != fromDomain {
			policy = record.SubdomainPolicy
		}
		result.Policy = policy
		result.Disposition = string(policy)
	}

	v.logger.Debug("DMARC check completed",
		"domain", fromDomain,
		"policy", string(result.Policy),
		"spf_pass", spfPass,
		"dkim_aligned", result.DKIMAligned,
		"pass", result.Pass,
		"disposition", result.Disposition)

	return result
}

func (v *Validator) observe(r *CheckResult) {
	if v.metrics != nil {
		v.metrics.DMARCResults.WithLabelValues(r.Result(), r.Disposition).Inc()
	}
}

// lookup finds the policy record for domain, falling back to the
// organizational domain. It returns the name the record was found at.
func (v *Validator) lookup(ctx context.Context, domain string) (*Record, string, error) {
	raw, err := v.fetch(ctx, domain)
	found := domain
	if err != nil {
		if org := v.orgDomain(domain); org != domain {
			raw, err = v.fetch(ctx, org)
			found = org
		}
	}
	if err != nil {
		return nil, "", err
	}

	record, err := ParseRecord(raw)
	if err != nil {
		return nil, "", err
	}
	return record, found, nil
}

func (v *Validator) fetch(ctx context.Context, domain string) (string, error) {
	txts, err := v.resolver.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil {
		return "", fmt.Errorf("%w for %s: %v", ErrNoRecord, domain, err)
	}
	for _, txt := range txts {
		txt = strings.TrimSpace(txt)
		if strings.HasPrefix(txt, "v=DMARC1") {
			return txt, nil
		}
	}
	return "", fmt.Errorf("%w for %s", ErrNoRecord, domain)
}

// Aligned compares two identifiers. Strict requires equality, relaxed
// requires equal organizational domains.
func Aligned(fromDomain, authDomain string, mode Alignment, orgDomain OrgDomainFunc) bool {
	if fromDomain == "" || authDomain == "" {
		return false
	}
	if mode == AlignmentStrict {
		return strings.EqualFold(fromDomain, authDomain)
	}
	if orgDomain == nil {
		orgDomain = OrganizationalDomain
	}
	return strings.EqualFold(orgDomain(fromDomain), orgDomain(authDomain))
}

// DKIMAligned reports whether any valid signature aligns with fromDomain
func DKIMAligned(fromDomain string, results []dkim.VerificationResult, mode Alignment, orgDomain OrgDomainFunc) bool {
	for _, r := range results {
		if r.Valid && Aligned(fromDomain, r.Domain, mode, orgDomain) {
			return true
		}
	}
	return false
}

// AuthenticationResults renders the Authentication-Results header value
// (RFC 8601) for the evaluated message
func (r *CheckResult) AuthenticationResults(authservID string) string {
	var b strings.Builder
	b.WriteString(authservID)

	if r.SPFResult != "" {
		fmt.Fprintf(&b, ";\r\n\tspf=%s smtp.mailfrom=%s", r.SPFResult, r.SPFDomain)
	}
	if len(r.DKIMResults) == 0 {
		b.WriteString(";\r\n\tdkim=none")
	}
	for _, d := range r.DKIMResults {
		fmt.Fprintf(&b, ";\r\n\tdkim=%s header.d=%s header.s=%s", d.Result(), d.Domain, d.Selector)
	}
	fmt.Fprintf(&b, ";\r\n\tdmarc=%s", r.Result())
	if r.Record != nil {
		fmt.Fprintf(&b, " (p=%s dis=%s)", r.Record.Policy, strings.ToUpper(r.Disposition))
	}
	fmt.Fprintf(&b, " header.from=%s", r.Domain)
	return b.String()
}
