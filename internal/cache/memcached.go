package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements the Cache interface for Memcached
type Memcached struct {
	client      *memcache.Client
	config      Config
	isConnected bool
}

// NewMemcached creates a new Memcached cache. Addr may hold a
// comma-separated server list.
func NewMemcached(config Config) *Memcached {
	return &Memcached{config: config}
}

// Connect establishes a connection to the Memcached servers
func (m *Memcached) Connect() error {
	if m.isConnected {
		return nil
	}

	var servers []string
	for _, s := range strings.Split(m.config.Addr, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	if len(servers) == 0 {
		servers = append(servers, "localhost:11211")
	}

	m.client = memcache.New(servers...)
	m.client.Timeout = 2 * time.Second

	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.isConnected = true
	return nil
}

// Close closes the connection to the Memcached servers
func (m *Memcached) Close() error {
	if !m.isConnected {
		return nil
	}
	m.isConnected = false
	return nil
}

// Type returns the type of this cache
func (m *Memcached) Type() string {
	return "memcached"
}

// Get retrieves a value from Memcached
func (m *Memcached) Get(_ context.Context, key string) ([]byte, error) {
	if !m.isConnected {
		return nil, ErrNotConnected
	}

	it, err := m.client.Get(m.key(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return it.Value, nil
}

// Set stores a value in Memcached
func (m *Memcached) Set(_ context.Context, key string, value []byte, expiration time.Duration) error {
	if !m.isConnected {
		return ErrNotConnected
	}

	return m.client.Set(&memcache.Item{
		Key:        m.key(key),
		Value:      value,
		Expiration: int32(expiration.Seconds()),
	})
}

// Delete removes a value from Memcached
func (m *Memcached) Delete(_ context.Context, key string) error {
	if !m.isConnected {
		return ErrNotConnected
	}

	err := m.client.Delete(m.key(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}

// memcached keys may not contain whitespace or control characters
func (m *Memcached) key(k string) string {
	k = m.config.Prefix + k
	return strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return '_'
		}
		return r
	}, k)
}
