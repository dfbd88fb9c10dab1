// Package dkim signs outbound mail and verifies DKIM signatures on inbound
// mail (RFC 6376).
package dkim

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/busybox42/mailcore/internal/domain"
	"github.com/busybox42/mailcore/internal/metrics"
	"github.com/busybox42/mailcore/internal/policy"
	msgdkim "github.com/emersion/go-msgauth/dkim"
)

// DefaultHeaders are signed when the config leaves Headers empty
var DefaultHeaders = []string{
	"From", "To", "Subject", "Date", "Message-ID",
	"Cc", "Reply-To", "MIME-Version", "Content-Type",
}

// KeyProvider returns the active signing key of a domain
type KeyProvider interface {
	GetActiveDKIMKey(ctx context.Context, domainName string) (*domain.DKIMKey, error)
}

// SignerConfig controls signature parameters
type SignerConfig struct {
	HeaderCanonicalization string
	BodyCanonicalization   string
	Headers                []string
	Expiry                 time.Duration
}

// DefaultSignerConfig returns relaxed/relaxed with a seven day expiry
func DefaultSignerConfig() SignerConfig {
	return SignerConfig{
		HeaderCanonicalization: "relaxed",
		BodyCanonicalization:   "relaxed",
		Headers:                DefaultHeaders,
		Expiry:                 7 * 24 * time.Hour,
	}
}

// SignResult is the outcome of Sign. Message is always usable.
type SignResult struct {
	Message  []byte
	Signed   bool
	Domain   string
	Selector string
}

// Signer adds DKIM-Signature headers using per-domain keys
type Signer struct {
	keys    KeyProvider
	decoder *KeyDecoder
	config  SignerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewSigner creates a signer. m may be nil.
func NewSigner(keys KeyProvider, decoder *KeyDecoder, config SignerConfig, m *metrics.Metrics) *Signer {
	if len(config.Headers) == 0 {
		config.Headers = DefaultHeaders
	}
	if decoder == nil {
		decoder = &KeyDecoder{}
	}
	return &Signer{
		keys:    keys,
		decoder: decoder,
		config:  config,
		metrics: m,
		logger:  slog.Default().With("component", "dkim-signer"),
		now:     time.Now,
	}
}

func canonicalization(name string) msgdkim.Canonicalization {
	if strings.EqualFold(name, "simple") {
		return msgdkim.CanonicalizationSimple
	}
	return msgdkim.CanonicalizationRelaxed
}

// Sign signs message for domainName. A missing or unusable key is not an
// error: the message is returned unchanged with Signed false. Errors are
// only returned when a usable key fails to produce a signature.
func (s *Signer) Sign(ctx context.Context, domainName string, message []byte) (*SignResult, error) {
	domainName = strings.ToLower(domainName)
	result := &SignResult{Message: message, Domain: domainName}

	key, err := s.keys.GetActiveDKIMKey(ctx, domainName)
	if err != nil {
		if !errors.Is(err, policy.ErrNotFound) {
			s.logger.Warn("DKIM key lookup failed, sending unsigned",
				"domain", domainName,
				"error", err)
		} else {
			s.logger.Warn("No active DKIM key for domain, sending unsigned (policy gap)",
				"domain", domainName)
		}
		s.unsigned(domainName)
		return result, nil
	}
	if !key.Usable(s.now()) {
		s.logger.Warn("DKIM key not usable, sending unsigned (policy gap)",
			"domain", domainName,
			"selector", key.Selector)
		s.unsigned(domainName)
		return result, nil
	}

	signer, err := s.decoder.Decode(key.PrivateKey)
	if err != nil {
		s.logger.Warn("DKIM key decode failed, sending unsigned (policy gap)",
			"domain", domainName,
			"selector", key.Selector,
			"error", err)
		s.unsigned(domainName)
		return result, nil
	}

	signed, err := s.sign(domainName, key.Selector, signer, message)
	if err != nil {
		return result, fmt.Errorf("dkim: sign for %s: %w", domainName, err)
	}

	result.Message = signed
	result.Signed = true
	result.Selector = key.Selector
	s.logger.Debug("Message signed",
		"domain", domainName,
		"selector", key.Selector)
	return result, nil
}

func (s *Signer) sign(domainName, selector string, signer crypto.Signer, message []byte) ([]byte, error) {
	opts := &msgdkim.SignOptions{
		Domain:                 domainName,
		Selector:               selector,
		Signer:                 signer,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: canonicalization(s.config.HeaderCanonicalization),
		BodyCanonicalization:   canonicalization(s.config.BodyCanonicalization),
		HeaderKeys:             presentHeaders(message, s.config.Headers),
	}
	if s.config.Expiry > 0 {
		opts.Expiration = s.now().Add(s.config.Expiry)
	}

	var out bytes.Buffer
	if err := msgdkim.Sign(&out, bytes.NewReader(toCRLF(message)), opts); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (s *Signer) unsigned(domainName string) {
	if s.metrics != nil {
		s.metrics.DKIMUnsigned.WithLabelValues(domainName).Inc()
	}
}

// presentHeaders narrows want to the headers that occur in the message.
// From is always kept since a signature without it is invalid.
func presentHeaders(message []byte, want []string) []string {
	header := message
	if i := bytes.Index(message, []byte("\r\n\r\n")); i >= 0 {
		header = message[:i]
	} else if i := bytes.Index(message, []byte("\n\n")); i >= 0 {
		header = message[:i]
	}

	present := make(map[string]bool)
	for _, line := range strings.Split(string(header), "\n") {
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		if colon := strings.IndexByte(line, ':'); colon > 0 {
			present[strings.ToLower(strings.TrimSpace(line[:colon]))] = true
		}
	}

	keys := make([]string, 0, len(want))
	for _, h := range want {
		if strings.EqualFold(h, "From") || present[strings.ToLower(h)] {
			keys = append(keys, h)
		}
	}
	return keys
}

// toCRLF converts bare LF line endings to CRLF
func toCRLF(message []byte) []byte {
	if !bytes.Contains(message, []byte("\n")) || bytes.Count(message, []byte("\r\n")) == bytes.Count(message, []byte("\n")) {
		return message
	}
	normalized := bytes.ReplaceAll(message, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(normalized, []byte("\n"), []byte("\r\n"))
}
