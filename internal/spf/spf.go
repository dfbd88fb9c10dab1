// Package spf evaluates Sender Policy Framework records (RFC 7208).
package spf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/busybox42/mailcore/internal/dnsresolver"
)

// Result represents the SPF check result
type Result string

const (
	ResultNone      Result = "none"
	ResultNeutral   Result = "neutral"
	ResultPass      Result = "pass"
	ResultFail      Result = "fail"
	ResultSoftFail  Result = "softfail"
	ResultTempError Result = "temperror"
	ResultPermError Result = "permerror"
)

// Limits from RFC 7208 section 4.6.4
const (
	MaxDNSLookups  = 10
	MaxVoidLookups = 2
	maxMXHosts     = 10
)

var (
	ErrTooManyLookups     = errors.New("spf: too many DNS lookups")
	ErrTooManyVoidLookups = errors.New("spf: too many void DNS lookups")
	ErrMultipleRecords    = errors.New("spf: multiple SPF records")
)

// CheckResult holds the complete SPF check result
type CheckResult struct {
	Result      Result
	Domain      string
	Mechanism   string
	Explanation string
	Error       error
}

// Validator performs SPF validation
type Validator struct {
	resolver dnsresolver.Resolver
	logger   *slog.Logger
	timeout  time.Duration
}

// NewValidator creates a new SPF validator
func NewValidator(resolver dnsresolver.Resolver) *Validator {
	return &Validator{
		resolver: resolver,
		logger:   slog.Default().With("component", "spf"),
		timeout:  20 * time.Second,
	}
}

// Check evaluates whether ip may send for the envelope sender. mailFrom may
// be a full address or a bare domain; when empty the HELO identity is
// checked instead.
func (v *Validator) Check(ctx context.Context, ip net.IP, mailFrom, helo string) *CheckResult {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	sender := strings.ToLower(strings.Trim(strings.TrimSpace(mailFrom), "<>"))
	helo = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(helo), "."))
	switch {
	case sender == "":
		sender = "postmaster@" + helo
	case !strings.Contains(sender, "@"):
		sender = "postmaster@" + sender
	}
	domain := sender[strings.LastIndexByte(sender, '@')+1:]

	result := &CheckResult{Domain: domain}
	if domain == "" || ip == nil {
		result.Result = ResultNone
		result.Error = fmt.Errorf("spf: no identity to check")
		return result
	}

	e := &evaluation{
		v:      v,
		ip:     ip,
		sender: sender,
		helo:   helo,
	}
	res, mech, err := e.checkHost(ctx, domain, 0)
	result.Result = res
	result.Mechanism = mech
	result.Error = err
	if res == ResultFail && e.explanation != "" {
		result.Explanation = e.explanation
	}

	v.logger.Debug("SPF check completed",
		"ip", ip.String(),
		"domain", domain,
		"result", string(res),
		"mechanism", mech,
		"lookups", e.lookups)

	return result
}

// evaluation carries per-check state across recursive include/redirect
type evaluation struct {
	v           *Validator
	ip          net.IP
	sender      string
	helo        string
	lookups     int
	voids       int
	explanation string
}

func (e *evaluation) countLookup() error {
	e.lookups++
	if e.lookups > MaxDNSLookups {
		return ErrTooManyLookups
	}
	return nil
}

func (e *evaluation) countVoid() error {
	e.voids++
	if e.voids > MaxVoidLookups {
		return ErrTooManyVoidLookups
	}
	return nil
}

// lookupRecord returns the single v=spf1 record of domain, or "" when none
func (e *evaluation) lookupRecord(ctx context.Context, domain string) (string, Result, error) {
	txts, err := e.v.resolver.LookupTXT(ctx, domain)
	if dnsresolver.IsNotFound(err) {
		return "", ResultNone, nil
	}
	if err != nil {
		return "", ResultTempError, err
	}

	var found []string
	for _, txt := range txts {
		lower := strings.ToLower(strings.TrimSpace(txt))
		if lower == "v=spf1" || strings.HasPrefix(lower, "v=spf1 ") {
			found = append(found, strings.TrimSpace(txt))
		}
	}
	switch len(found) {
	case 0:
		return "", ResultNone, nil
	case 1:
		return found[0], "", nil
	default:
		return "", ResultPermError, ErrMultipleRecords
	}
}

func (e *evaluation) checkHost(ctx context.Context, domain string, depth int) (Result, string, error) {
	if depth > MaxDNSLookups {
		return ResultPermError, "", ErrTooManyLookups
	}

	raw, res, err := e.lookupRecord(ctx, domain)
	if raw == "" {
		return res, "", err
	}

	rec, err := parseRecord(raw)
	if err != nil {
		return ResultPermError, "", err
	}

	for _, m := range rec.mechanisms {
		matched, res, err := e.match(ctx, domain, m, depth)
		if err != nil {
			return res, m.String(), err
		}
		if matched {
			result := m.qualifier.result()
			if result == ResultFail && rec.exp != "" {
				e.fetchExplanation(ctx, domain, rec.exp)
			}
			return result, m.String(), nil
		}
	}

	if rec.redirect != "" {
		if err := e.countLookup(); err != nil {
			return ResultPermError, "redirect", err
		}
		target, err := e.expand(rec.redirect, domain, false)
		if err != nil {
			return ResultPermError, "redirect", err
		}
		res, mech, err := e.checkHost(ctx, target, depth+1)
		if res == ResultNone {
			return ResultPermError, "redirect=" + target, fmt.Errorf("spf: redirect target %s has no record", target)
		}
		return res, mech, err
	}

	return ResultNeutral, "default", nil
}

// match evaluates one mechanism. A non-nil error aborts evaluation with res.
func (e *evaluation) match(ctx context.Context, domain string, m mechanism, depth int) (bool, Result, error) {
	target := domain
	if m.domainSpec != "" {
		var err error
		target, err = e.expand(m.domainSpec, domain, false)
		if err != nil {
			return false, ResultPermError, err
		}
	}

	switch m.kind {
	case "all":
		return true, "", nil

	case "ip4", "ip6":
		return m.network.Contains(e.ip), "", nil

	case "include":
		if err := e.countLookup(); err != nil {
			return false, ResultPermError, err
		}
		res, _, err := e.checkHost(ctx, target, depth+1)
		switch res {
		case ResultPass:
			return true, "", nil
		case ResultFail, ResultSoftFail, ResultNeutral:
			return false, "", nil
		case ResultTempError:
			return false, ResultTempError, err
		default:
			if err == nil {
				err = fmt.Errorf("spf: include %s returned %s", target, res)
			}
			return false, ResultPermError, err
		}

	case "a":
		if err := e.countLookup(); err != nil {
			return false, ResultPermError, err
		}
		ips, err := e.v.resolver.LookupIP(ctx, target)
		if dnsresolver.IsNotFound(err) {
			if verr := e.countVoid(); verr != nil {
				return false, ResultPermError, verr
			}
			return false, "", nil
		}
		if err != nil {
			return false, ResultTempError, err
		}
		return m.matchAny(e.ip, ips), "", nil

	case "mx":
		if err := e.countLookup(); err != nil {
			return false, ResultPermError, err
		}
		mxs, err := e.v.resolver.LookupMX(ctx, target)
		if dnsresolver.IsNotFound(err) {
			if verr := e.countVoid(); verr != nil {
				return false, ResultPermError, verr
			}
			return false, "", nil
		}
		if err != nil {
			return false, ResultTempError, err
		}
		if len(mxs) > maxMXHosts {
			return false, ResultPermError, fmt.Errorf("spf: %s has more than %d MX records", target, maxMXHosts)
		}
		for _, mx := range mxs {
			ips, err := e.v.resolver.LookupIP(ctx, strings.TrimSuffix(mx.Host, "."))
			if dnsresolver.IsNotFound(err) {
				continue
			}
			if err != nil {
				return false, ResultTempError, err
			}
			if m.matchAny(e.ip, ips) {
				return true, "", nil
			}
		}
		return false, "", nil

	case "exists":
		if err := e.countLookup(); err != nil {
			return false, ResultPermError, err
		}
		ips, err := e.v.resolver.LookupIP(ctx, target)
		if dnsresolver.IsNotFound(err) {
			if verr := e.countVoid(); verr != nil {
				return false, ResultPermError, verr
			}
			return false, "", nil
		}
		if err != nil {
			return false, ResultTempError, err
		}
		return len(ips) > 0, "", nil

	case "ptr":
		// ptr is deprecated; it costs a lookup but never matches
		if err := e.countLookup(); err != nil {
			return false, ResultPermError, err
		}
		return false, "", nil
	}

	return false, ResultPermError, fmt.Errorf("spf: unknown mechanism %q", m.kind)
}

// fetchExplanation resolves exp= for a fail result. Failures are ignored.
func (e *evaluation) fetchExplanation(ctx context.Context, domain, spec string) {
	target, err := e.expand(spec, domain, false)
	if err != nil {
		return
	}
	txts, err := e.v.resolver.LookupTXT(ctx, target)
	if err != nil || len(txts) != 1 {
		return
	}
	if exp, err := e.expand(txts[0], domain, true); err == nil {
		e.explanation = exp
	}
}

// GenerateRecord builds an SPF policy for a hosted domain. all is one of
// "-all", "~all", "?all"; it defaults to "~all".
func GenerateRecord(ip4s, ip6s, includes []string, all string) string {
	parts := []string{"v=spf1", "mx"}
	for _, ip := range ip4s {
		parts = append(parts, "ip4:"+ip)
	}
	for _, ip := range ip6s {
		parts = append(parts, "ip6:"+ip)
	}
	for _, inc := range includes {
		parts = append(parts, "include:"+inc)
	}
	switch all {
	case "-all", "~all", "?all":
	default:
		all = "~all"
	}
	parts = append(parts, all)
	return strings.Join(parts, " ")
}
