package dkim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/busybox42/mailcore/internal/cache"
	"github.com/busybox42/mailcore/internal/dnsresolver"
	"github.com/busybox42/mailcore/internal/metrics"
	msgdkim "github.com/emersion/go-msgauth/dkim"
)

// VerificationResult is the outcome for one DKIM-Signature header
type VerificationResult struct {
	Valid    bool   `json:"valid"`
	Domain   string `json:"domain"`
	Selector string `json:"selector"`
	Error    error  `json:"-"`
}

// Result labels used for metrics and Authentication-Results
func (r VerificationResult) Result() string {
	switch {
	case r.Valid:
		return "pass"
	case r.Error != nil && msgdkim.IsTempFail(r.Error):
		return "temperror"
	case r.Error != nil && msgdkim.IsPermFail(r.Error):
		return "permerror"
	default:
		return "fail"
	}
}

// Verifier checks every DKIM signature on a message
type Verifier struct {
	resolver dnsresolver.Resolver
	keyCache cache.Cache
	cacheTTL time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewVerifier creates a verifier. keyCache and m may be nil.
func NewVerifier(resolver dnsresolver.Resolver, keyCache cache.Cache, cacheTTL time.Duration, m *metrics.Metrics) *Verifier {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &Verifier{
		resolver: resolver,
		keyCache: keyCache,
		cacheTTL: cacheTTL,
		metrics:  m,
		logger:   slog.Default().With("component", "dkim-verifier"),
	}
}

// temporaryLookupError marks resolver failures as temporary for go-msgauth
type temporaryLookupError struct{ err error }

func (e temporaryLookupError) Error() string { return e.err.Error() }
func (e temporaryLookupError) Unwrap() error { return e.err }
func (e temporaryLookupError) Timeout() bool { return false }
func (e temporaryLookupError) Temporary() bool { return true }

func (v *Verifier) lookupTXT(ctx context.Context) func(string) ([]string, error) {
	return func(name string) ([]string, error) {
		key := "dkim:key:" + strings.ToLower(strings.TrimSuffix(name, "."))
		if v.keyCache != nil {
			var cached []string
			if err := cache.GetJSON(ctx, v.keyCache, key, &cached); err == nil {
				return cached, nil
			}
		}

		txts, err := v.resolver.LookupTXT(ctx, name)
		if err != nil {
			if dnsresolver.IsNotFound(err) {
				return nil, err
			}
			return nil, temporaryLookupError{err: err}
		}

		if v.keyCache != nil {
			if err := cache.SetJSON(ctx, v.keyCache, key, txts, v.cacheTTL); err != nil {
				v.logger.Debug("Failed to cache DKIM key record", "name", name, "error", err)
			}
		}
		return txts, nil
	}
}

// Verify returns one result per DKIM-Signature header in header order. A
// message without signatures yields an empty slice. An error is only
// returned when the message cannot be parsed at all.
func (v *Verifier) Verify(ctx context.Context, message []byte) ([]VerificationResult, error) {
	sigs := signatureTags(message)
	if len(sigs) == 0 {
		return []VerificationResult{}, nil
	}

	verifications, err := msgdkim.VerifyWithOptions(bytes.NewReader(message), &msgdkim.VerifyOptions{
		LookupTXT: v.lookupTXT(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("dkim: verify: %w", err)
	}

	results := make([]VerificationResult, len(sigs))
	for i, tags := range sigs {
		res := VerificationResult{
			Domain:   strings.ToLower(tags["d"]),
			Selector: tags["s"],
		}
		if i < len(verifications) && verifications[i] != nil {
			ver := verifications[i]
			if ver.Domain != "" {
				res.Domain = strings.ToLower(ver.Domain)
			}
			res.Error = ver.Err
			res.Valid = ver.Err == nil
		} else {
			res.Error = errors.New("dkim: signature not evaluated")
		}
		results[i] = res

		if v.metrics != nil {
			v.metrics.DKIMResults.WithLabelValues(res.Result()).Inc()
		}
		v.logger.Debug("DKIM signature checked",
			"domain", res.Domain,
			"selector", res.Selector,
			"result", res.Result())
	}
	return results, nil
}

// signatureTags extracts the tag lists of all DKIM-Signature headers in
// order of appearance
func signatureTags(message []byte) []map[string]string {
	var out []map[string]string
	for _, field := range headerFields(message) {
		name, value, ok := strings.Cut(field, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "DKIM-Signature") {
			continue
		}
		out = append(out, parseTags(value))
	}
	return out
}

// headerFields returns the unfolded header fields of message
func headerFields(message []byte) []string {
	text := strings.ReplaceAll(string(message), "\r\n", "\n")
	if end := strings.Index(text, "\n\n"); end >= 0 {
		text = text[:end]
	}

	var fields []string
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(fields) > 0 {
			fields[len(fields)-1] += " " + strings.TrimSpace(line)
			continue
		}
		fields = append(fields, line)
	}
	return fields
}

func parseTags(value string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(value, ";") {
		name, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		tags[strings.TrimSpace(name)] = strings.Join(strings.Fields(val), "")
	}
	return tags
}
