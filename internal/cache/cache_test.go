package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory(t *testing.T) {
	c, err := Factory(Config{Type: "memory"})
	require.NoError(t, err)
	assert.Equal(t, "memory", c.Type())

	c, err = Factory(Config{Type: "redis"})
	require.NoError(t, err)
	assert.Equal(t, "redis", c.Type())

	c, err = Factory(Config{Type: "memcached"})
	require.NoError(t, err)
	assert.Equal(t, "memcached", c.Type())

	_, err = Factory(Config{Type: "etcd"})
	assert.Error(t, err)
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Config{Prefix: "t:"})

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, m.Connect())
	defer m.Close()

	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, m.Delete(ctx, "k"))
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, m.Delete(ctx, "missing"))
}

func TestMemoryCacheExpiration(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(Config{})
	m.now = func() time.Time { return now }
	require.NoError(t, m.Connect())
	defer m.Close()

	require.NoError(t, m.Set(ctx, "short", []byte("1"), time.Minute))
	require.NoError(t, m.Set(ctx, "forever", []byte("2"), 0))

	now = now.Add(2 * time.Minute)

	_, err := m.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(ctx, "forever")
	assert.NoError(t, err)

	m.deleteExpired()
	assert.Equal(t, 1, m.Len())
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	r := NewRedis(Config{Addr: mr.Addr(), Prefix: "mc:"})
	require.NoError(t, r.Connect())
	defer r.Close()

	_, err := r.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.Set(ctx, "k", []byte("value"), time.Minute))
	assert.True(t, mr.Exists("mc:k"))

	got, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)

	mr.FastForward(2 * time.Minute)
	_, err = r.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisWithSharedClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := NewRedisWithClient(client, "p:")
	ctx := context.Background()
	require.NoError(t, r.Set(ctx, "a", []byte("b"), 0))
	require.NoError(t, r.Delete(ctx, "a"))
	assert.False(t, mr.Exists("p:a"))
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Config{})
	require.NoError(t, m.Connect())
	defer m.Close()

	type payload struct {
		Name  string
		Count int
	}
	require.NoError(t, SetJSON(ctx, m, "p", payload{"x", 3}, 0))

	var out payload
	require.NoError(t, GetJSON(ctx, m, "p", &out))
	assert.Equal(t, payload{"x", 3}, out)

	assert.ErrorIs(t, GetJSON(ctx, m, "nope", &out), ErrNotFound)
}

func TestMemcachedKeySanitized(t *testing.T) {
	m := NewMemcached(Config{Prefix: "pre:"})
	assert.Equal(t, "pre:a_b", m.key("a b"))
}
