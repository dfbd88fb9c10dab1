package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements the Cache interface for Redis
type Redis struct {
	config    Config
	client    redis.UniversalClient
	connected bool
}

// NewRedis creates a new Redis cache
func NewRedis(config Config) *Redis {
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}
	return &Redis{config: config}
}

// NewRedisWithClient wraps an existing client, sharing its connection pool
func NewRedisWithClient(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{
		config:    Config{Type: "redis", Prefix: prefix},
		client:    client,
		connected: true,
	}
}

// Connect establishes a connection to Redis
func (r *Redis) Connect() error {
	if r.connected {
		return nil
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     r.config.Addr,
		Password: r.config.Password,
		DB:       r.config.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.connected = true
	return nil
}

// Close closes the connection to Redis
func (r *Redis) Close() error {
	if !r.connected {
		return nil
	}
	if err := r.client.Close(); err != nil {
		return err
	}
	r.connected = false
	return nil
}

// Type returns the type of this cache
func (r *Redis) Type() string {
	return "redis"
}

// Get retrieves a value from Redis
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	if !r.connected {
		return nil, ErrNotConnected
	}

	val, err := r.client.Get(ctx, r.config.Prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis
func (r *Redis) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	if !r.connected {
		return ErrNotConnected
	}
	return r.client.Set(ctx, r.config.Prefix+key, value, expiration).Err()
}

// Delete removes a value from Redis
func (r *Redis) Delete(ctx context.Context, key string) error {
	if !r.connected {
		return ErrNotConnected
	}
	return r.client.Del(ctx, r.config.Prefix+key).Err()
}
