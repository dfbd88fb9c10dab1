package dnsresolver

import (
	"context"
	"net"
	"strings"
	"sync"
)

// Static is an in-memory Resolver for development setups and tests. Names
// listed in Fail return a temporary LookupError.
type Static struct {
	mu      sync.Mutex
	TXT     map[string][]string
	MX      map[string][]*net.MX
	IP      map[string][]net.IP
	Fail    map[string]bool
	Queries []string
}

// NewStatic returns an empty Static resolver
func NewStatic() *Static {
	return &Static{
		TXT:  make(map[string][]string),
		MX:   make(map[string][]*net.MX),
		IP:   make(map[string][]net.IP),
		Fail: make(map[string]bool),
	}
}

func canonical(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

func (s *Static) record(kind, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = canonical(name)
	s.Queries = append(s.Queries, kind+" "+name)
	if s.Fail[name] {
		return name, &LookupError{Name: name, Type: kind, Err: errStaticFailure}
	}
	return name, nil
}

type staticError string

func (e staticError) Error() string { return string(e) }

const errStaticFailure = staticError("simulated SERVFAIL")

// QueryCount returns the number of lookups performed so far
func (s *Static) QueryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Queries)
}

func (s *Static) LookupTXT(_ context.Context, name string) ([]string, error) {
	name, err := s.record("TXT", name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.TXT[name]; ok && len(v) > 0 {
		return v, nil
	}
	return nil, ErrNotFound
}

func (s *Static) LookupMX(_ context.Context, name string) ([]*net.MX, error) {
	name, err := s.record("MX", name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.MX[name]; ok && len(v) > 0 {
		return v, nil
	}
	return nil, ErrNotFound
}

func (s *Static) LookupIP(_ context.Context, host string) ([]net.IP, error) {
	host, err := s.record("IP", host)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.IP[host]; ok && len(v) > 0 {
		return v, nil
	}
	return nil, ErrNotFound
}
