package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/busybox42/mailcore/internal/dnsresolver"
	"github.com/emersion/go-smtp"
)

// RelayConfig configures outbound SMTP
type RelayConfig struct {
	Hostname              string        // EHLO name
	Port                  int           // remote port, 25 by default
	ConnectTimeout        time.Duration // per connection attempt
	CommandTimeout        time.Duration // per SMTP command
	SubmissionTimeout     time.Duration // for the DATA payload
	TLSMinVersion         string        // "1.2" or "1.3"
	TLSInsecureSkipVerify bool
}

// DefaultRelayConfig returns the relay defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Hostname:          "localhost",
		Port:              25,
		ConnectTimeout:    30 * time.Second,
		CommandTimeout:    5 * time.Minute,
		SubmissionTimeout: 10 * time.Minute,
		TLSMinVersion:     "1.2",
	}
}

// DialFunc opens a connection to a mail exchanger
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// RelayRequest is one SMTP transaction to one destination domain
type RelayRequest struct {
	ID         string
	From       string
	Domain     string
	Recipients []string
	Body       []byte
	RequireTLS bool
}

// RelayResult reports what the accepting host did with each recipient.
// Recipients missing from both Accepted and Rejected were never attempted.
type RelayResult struct {
	Host     string
	TLS      bool
	Accepted []string
	Rejected map[string]error
}

// Relay delivers to the mail exchangers of remote domains
type Relay struct {
	resolver  dnsresolver.Resolver
	config    RelayConfig
	tlsConfig *tls.Config
	dial      DialFunc
	logger    *slog.Logger
}

// RelayOption customizes a Relay
type RelayOption func(*Relay)

// WithDialer replaces the TCP dialer
func WithDialer(dial DialFunc) RelayOption {
	return func(r *Relay) { r.dial = dial }
}

// NewRelay creates a relay resolving MX hosts through resolver
func NewRelay(resolver dnsresolver.Resolver, config RelayConfig, opts ...RelayOption) *Relay {
	def := DefaultRelayConfig()
	if config.Hostname == "" {
		config.Hostname = def.Hostname
	}
	if config.Port <= 0 {
		config.Port = def.Port
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = def.CommandTimeout
	}
	if config.SubmissionTimeout <= 0 {
		config.SubmissionTimeout = def.SubmissionTimeout
	}

	dialer := &net.Dialer{Timeout: config.ConnectTimeout}
	r := &Relay{
		resolver:  resolver,
		config:    config,
		tlsConfig: createTLSConfig(config),
		dial:      dialer.DialContext,
		logger:    slog.Default().With("component", "relay"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func createTLSConfig(config RelayConfig) *tls.Config {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: config.TLSInsecureSkipVerify,
	}
	switch config.TLSMinVersion {
	case "1.3":
		tlsConfig.MinVersion = tls.VersionTLS13
	default:
		tlsConfig.MinVersion = tls.VersionTLS12
	}
	return tlsConfig
}

// MailExchangers returns the hosts to try for domain in preference order.
// A domain without MX records is its own exchanger; a null MX is refused.
func (r *Relay) MailExchangers(ctx context.Context, domainName string) ([]string, error) {
	records, err := r.resolver.LookupMX(ctx, domainName)
	if dnsresolver.IsNotFound(err) {
		return []string{domainName}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("MX lookup failed for %s: %w", domainName, err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		host := strings.TrimSuffix(mx.Host, ".")
		if host == "" {
			if len(records) == 1 {
				return nil, fmt.Errorf("%w: %s", ErrNoMailExchanger, domainName)
			}
			continue
		}
		hosts = append(hosts, host)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMailExchanger, domainName)
	}
	return hosts, nil
}

// Deliver runs one transaction for req against the first exchanger that
// accepts a connection. A permanent failure stops the walk; anything else
// moves on to the next host.
func (r *Relay) Deliver(ctx context.Context, req RelayRequest) (*RelayResult, error) {
	if len(req.Recipients) == 0 {
		return &RelayResult{Rejected: map[string]error{}}, nil
	}
	hosts, err := r.MailExchangers(ctx, req.Domain)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, host := range hosts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := r.deliverToHost(ctx, host, req)
		if err == nil {
			r.logger.Info("message_relayed",
				"message_id", req.ID,
				"domain", req.Domain,
				"host", host,
				"tls", result.TLS,
				"accepted", len(result.Accepted),
				"rejected", len(result.Rejected))
			return result, nil
		}
		r.logger.Debug("MX delivery failed",
			"message_id", req.ID,
			"host", host,
			"error", err)
		lastErr = err
		if Classify(err) == Permanent {
			break
		}
	}
	return nil, fmt.Errorf("delivery failed to all MX servers for domain %s: %w", req.Domain, lastErr)
}

func (r *Relay) deliverToHost(ctx context.Context, host string, req RelayRequest) (*RelayResult, error) {
	client, stop, secure, err := r.open(ctx, host, req.RequireTLS)
	if err != nil {
		return nil, err
	}
	defer stop()
	defer func() { _ = client.Close() }()

	result := &RelayResult{Host: host, TLS: secure, Rejected: make(map[string]error)}

	if err := client.Mail(req.From, nil); err != nil {
		return nil, fmt.Errorf("MAIL FROM failed: %w", err)
	}

	for _, rcpt := range req.Recipients {
		if err := client.Rcpt(rcpt, nil); err != nil {
			result.Rejected[rcpt] = &RecipientError{Recipient: rcpt, Err: err}
			continue
		}
		result.Accepted = append(result.Accepted, rcpt)
	}
	if len(result.Accepted) == 0 {
		_ = client.Reset()
		_ = client.Quit()
		return result, nil
	}

	w, err := client.Data()
	if err != nil {
		return nil, fmt.Errorf("DATA command failed: %w", err)
	}
	if _, err := w.Write(req.Body); err != nil {
		return nil, fmt.Errorf("failed to write message data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close data writer: %w", err)
	}

	if err := client.Quit(); err != nil {
		r.logger.Debug("QUIT failed", "host", host, "error", err)
	}
	return result, nil
}

// connect dials addr and ties the connection lifetime to ctx
func (r *Relay) connect(ctx context.Context, addr string) (net.Conn, func() bool, error) {
	conn, err := r.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, context.AfterFunc(ctx, func() { conn.Close() }), nil
}

func (r *Relay) withTimeouts(client *smtp.Client) *smtp.Client {
	client.CommandTimeout = r.config.CommandTimeout
	client.SubmissionTimeout = r.config.SubmissionTimeout
	return client
}

// open returns a greeted session with host, the func releasing its context
// hook, and whether the session runs over TLS.
// When the first EHLO advertises STARTTLS the plaintext session is closed
// and a second connection is upgraded before greeting again.
func (r *Relay) open(ctx context.Context, host string, requireTLS bool) (*smtp.Client, func() bool, bool, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(r.config.Port))
	conn, stop, err := r.connect(ctx, addr)
	if err != nil {
		return nil, nil, false, err
	}

	client := r.withTimeouts(smtp.NewClient(conn))
	if err := client.Hello(r.config.Hostname); err != nil {
		stop()
		_ = client.Close()
		return nil, nil, false, fmt.Errorf("EHLO failed: %w", err)
	}
	if ok, _ := client.Extension("STARTTLS"); !ok {
		if requireTLS {
			stop()
			_ = client.Close()
			return nil, nil, false, fmt.Errorf("%w: %s", ErrTLSRequired, host)
		}
		return client, stop, false, nil
	}
	_ = client.Quit()
	stop()

	conn, stop, err = r.connect(ctx, addr)
	if err != nil {
		return nil, nil, false, err
	}
	tlsConfig := r.tlsConfig.Clone()
	tlsConfig.ServerName = host
	tlsClient, err := smtp.NewClientStartTLS(conn, tlsConfig)
	if err != nil {
		stop()
		return nil, nil, false, fmt.Errorf("STARTTLS failed: %w", err)
	}
	r.withTimeouts(tlsClient)
	if err := tlsClient.Hello(r.config.Hostname); err != nil {
		stop()
		_ = tlsClient.Close()
		return nil, nil, false, fmt.Errorf("EHLO after STARTTLS failed: %w", err)
	}
	state, ok := tlsClient.TLSConnectionState()
	return tlsClient, stop, ok && state.HandshakeComplete, nil
}
