// Package dnsresolver performs the TXT, MX and address lookups used by the
// authentication checks and the relay.
package dnsresolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ErrNotFound is returned for NXDOMAIN and for names with no records of the
// requested type.
var ErrNotFound = errors.New("dns: no such record")

// LookupError is a resolution failure that is not a definitive negative
// answer (timeouts, SERVFAIL, refused). It is always temporary.
type LookupError struct {
	Name string
	Type string
	Err  error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("dns lookup %s %s: %v", e.Type, e.Name, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// Temporary reports that the lookup may succeed if retried
func (e *LookupError) Temporary() bool { return true }

// IsNotFound reports whether err is a definitive negative answer
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Resolver is the lookup surface used throughout the MTA
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

// Config configures a DNSResolver
type Config struct {
	Servers []string      // host:port; empty means /etc/resolv.conf
	Timeout time.Duration // per query
}

// DNSResolver queries recursive servers directly with miekg/dns
type DNSResolver struct {
	client    *dns.Client
	tcpClient *dns.Client
	servers   []string
	logger    *slog.Logger
}

// New creates a resolver. Without configured servers it reads
// /etc/resolv.conf, falling back to a public resolver.
func New(cfg Config) *DNSResolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	servers := cfg.Servers
	if len(servers) == 0 {
		if cc, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
			for _, s := range cc.Servers {
				servers = append(servers, net.JoinHostPort(s, cc.Port))
			}
		}
	}
	if len(servers) == 0 {
		servers = []string{"8.8.8.8:53"}
	}

	return &DNSResolver{
		client:    &dns.Client{Net: "udp", Timeout: cfg.Timeout},
		tcpClient: &dns.Client{Net: "tcp", Timeout: cfg.Timeout},
		servers:   servers,
		logger:    slog.Default().With("component", "dns-resolver"),
	}
}

// exchange sends the query to each server in turn until one answers
func (r *DNSResolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true
	msg.SetEdns0(4096, false)

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err == nil && resp.Truncated {
			resp, _, err = r.tcpClient.ExchangeContext(ctx, msg, server)
		}
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			return resp, nil
		case dns.RcodeNameError:
			return nil, ErrNotFound
		default:
			lastErr = fmt.Errorf("server %s: %s", server, dns.RcodeToString[resp.Rcode])
		}
	}

	return nil, &LookupError{Name: name, Type: dns.TypeToString[qtype], Err: lastErr}
}

// LookupTXT returns every TXT record with its character-strings joined
func (r *DNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	resp, err := r.exchange(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// LookupMX returns MX records in answer order
func (r *DNSResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	resp, err := r.exchange(ctx, name, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	var out []*net.MX
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			out = append(out, &net.MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// LookupIP returns A and AAAA addresses for host. A failure of one family
// is tolerated when the other yields addresses.
func (r *DNSResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	var firstErr error

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := r.exchange(ctx, host, qtype)
		if err != nil {
			if firstErr == nil || IsNotFound(firstErr) {
				firstErr = err
			}
			continue
		}
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				ips = append(ips, v.A)
			case *dns.AAAA:
				ips = append(ips, v.AAAA)
			}
		}
	}

	if len(ips) > 0 {
		return ips, nil
	}
	if firstErr == nil {
		firstErr = ErrNotFound
	}
	r.logger.Debug("address lookup failed", "host", host, "error", firstErr)
	return nil, firstErr
}
