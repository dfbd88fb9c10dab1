package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys of the fast path
const (
	ReadyKey        = "queue:ready"
	domainKeyPrefix = "queue:domain:"
	maxHintLength   = 10000
	domainHintTTL   = 24 * time.Hour
)

// DomainKey is the list holding recent enqueue hints for a domain
func DomainKey(domainID string) string {
	return domainKeyPrefix + domainID
}

// RedisNotifier pushes message IDs to Redis lists so idle workers wake
// without waiting for the next poll
type RedisNotifier struct {
	client redis.UniversalClient
}

// NewRedisNotifier wraps a connected client
func NewRedisNotifier(client redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Notify pushes id onto the domain list and the shared ready list
func (n *RedisNotifier) Notify(ctx context.Context, domainID, id string) error {
	pipe := n.client.TxPipeline()
	pipe.LPush(ctx, DomainKey(domainID), id)
	pipe.LTrim(ctx, DomainKey(domainID), 0, maxHintLength-1)
	pipe.Expire(ctx, DomainKey(domainID), domainHintTTL)
	pipe.LPush(ctx, ReadyKey, id)
	pipe.LTrim(ctx, ReadyKey, 0, maxHintLength-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("notify %s: %w", id, err)
	}
	return nil
}

// Wait blocks on the ready list for up to timeout
func (n *RedisNotifier) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	_, err := n.client.BRPop(ctx, timeout, ReadyKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("wait for ready queue: %w", err)
	}
	return true, nil
}

// Pending returns the number of recent hints for a domain
func (n *RedisNotifier) Pending(ctx context.Context, domainID string) (int64, error) {
	return n.client.LLen(ctx, DomainKey(domainID)).Result()
}

// NopNotifier disables the fast path; Wait only sleeps
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, string) error { return nil }

func (NopNotifier) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.C:
		return false, nil
	}
}
