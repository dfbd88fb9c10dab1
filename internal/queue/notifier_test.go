package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNotifier(t *testing.T) (*RedisNotifier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisNotifier(client), mr
}

func TestRedisNotifierNotify(t *testing.T) {
	n, mr := newTestNotifier(t)
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "dom-1", "m1"))
	require.NoError(t, n.Notify(ctx, "dom-1", "m2"))
	require.NoError(t, n.Notify(ctx, "dom-2", "m3"))

	ready, err := mr.List(ReadyKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m2", "m1"}, ready)

	pending, err := n.Pending(ctx, "dom-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)
	assert.Equal(t, 24*time.Hour, mr.TTL(DomainKey("dom-1")))
}

func TestRedisNotifierWait(t *testing.T) {
	n, _ := newTestNotifier(t)
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "dom-1", "m1"))
	woke, err := n.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, woke)

	woke, err = n.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.False(t, woke)
}

func TestNopNotifier(t *testing.T) {
	var n NopNotifier
	assert.NoError(t, n.Notify(context.Background(), "dom-1", "m1"))

	woke, err := n.Wait(context.Background(), 10*time.Millisecond)
	assert.NoError(t, err)
	assert.False(t, woke)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = n.Wait(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
