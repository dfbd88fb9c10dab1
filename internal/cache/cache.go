package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache is a byte-oriented TTL cache shared by the policy store, the
// DKIM public key lookups and the DNS resolver.
type Cache interface {
	// Connect establishes a connection to the cache
	Connect() error

	// Close closes the connection to the cache
	Close() error

	// Type returns the backend type ("memory", "redis", "memcached")
	Type() string

	// Get retrieves a value, returning ErrNotFound on a miss
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with an optional expiration (0 = no expiry)
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error

	// Delete removes a value. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Config represents the configuration for a cache
type Config struct {
	Type     string // memory, redis, memcached
	Addr     string // host:port for networked backends
	Password string
	Database int
	Prefix   string // prepended to every key
}

// Factory creates an unconnected cache instance based on configuration
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "", "memory":
		return NewMemory(config), nil
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", config.Type)
	}
}

// GetJSON fetches key and decodes it into v
func GetJSON(ctx context.Context, c Cache, key string, v interface{}) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode cached %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key
func SetJSON(ctx context.Context, c Cache, key string, v interface{}, expiration time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cached %s: %w", key, err)
	}
	return c.Set(ctx, key, data, expiration)
}
