package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/busybox42/mailcore/internal/domain"
	"github.com/busybox42/mailcore/internal/metrics"
	"github.com/busybox42/mailcore/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memoryBodies records every body it holds
type memoryBodies struct {
	mu     sync.Mutex
	bodies map[string][]byte
	puts   int
}

func newMemoryBodies() *memoryBodies {
	return &memoryBodies{bodies: make(map[string][]byte)}
}

func (b *memoryBodies) Put(_ context.Context, id string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	b.bodies["mem/"+id] = data
	return "mem/" + id, nil
}

func (b *memoryBodies) Get(_ context.Context, ref string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.bodies[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (b *memoryBodies) Delete(_ context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bodies, ref)
	return nil
}

func (b *memoryBodies) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bodies)
}

type failingInsertStore struct {
	*MemoryStore
}

func (failingInsertStore) Insert(context.Context, *Message) error {
	return errors.New("disk full")
}

func testDomain() *domain.Domain {
	return &domain.Domain{
		ID:       "dom-1",
		Name:     "example.com",
		Status:   domain.StatusVerified,
		Policies: domain.DefaultPolicies(),
	}
}

type fixture struct {
	mgr    *Manager
	store  *MemoryStore
	bodies *memoryBodies
	limits *ratelimit.Registry
	clock  *testClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:  NewMemoryStore(),
		bodies: newMemoryBodies(),
		clock:  &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.limits = ratelimit.NewRegistry(f.clock.Now)
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	f.mgr = NewManager(f.store, f.bodies, f.limits, DefaultConfig(), opts...)
	return f
}

func (f *fixture) enqueue(t *testing.T, d *domain.Domain, body string) *Message {
	t.Helper()
	msg, err := f.mgr.Enqueue(context.Background(), EnqueueRequest{
		Domain:     d,
		From:       "sender@example.com",
		Recipients: []string{"a@remote.example", "b@remote.example"},
		Body:       []byte(body),
	})
	require.NoError(t, err)
	return msg
}

func TestEnqueue(t *testing.T) {
	m := metrics.NewRegistry()
	f := newFixture(t, WithMetrics(m))
	ctx := context.Background()

	msg := f.enqueue(t, testDomain(), "Subject: hi\r\n\r\nbody")
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, StatusPending, msg.Status)
	assert.Equal(t, "dom-1", msg.DomainID)
	assert.Equal(t, 5, msg.MaxRetries)
	assert.Equal(t, f.clock.Now(), msg.NextRetryAt)

	stored, err := f.mgr.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@remote.example", "b@remote.example"}, stored.Recipients)

	body, err := f.mgr.Body(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, "Subject: hi\r\n\r\nbody", string(body))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("example.com")))
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Enqueue(context.Background(), EnqueueRequest{Domain: testDomain(), Body: []byte("x")})
	assert.ErrorIs(t, err, ErrNoRecipients)

	_, err = f.mgr.Enqueue(context.Background(), EnqueueRequest{Recipients: []string{"a@b.c"}})
	assert.Error(t, err)
}

func TestEnqueueRateLimited(t *testing.T) {
	// end-to-end scenario 4
	m := metrics.NewRegistry()
	f := newFixture(t, WithMetrics(m))
	d := testDomain()
	d.Policies.RateLimitPerHour = 0
	d.Policies.RateLimitPerDay = 2

	f.enqueue(t, d, "one")
	f.enqueue(t, d, "two")
	puts := f.bodies.puts

	_, err := f.mgr.Enqueue(context.Background(), EnqueueRequest{
		Domain:     d,
		From:       "sender@example.com",
		Recipients: []string{"a@remote.example"},
		Body:       []byte("three"),
	})
	require.ErrorIs(t, err, ErrRateLimited)

	stats, err := f.mgr.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats[StatusPending])
	assert.Equal(t, puts, f.bodies.puts, "no body written for a limited message")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRejected.WithLabelValues("example.com", "rate_limit")))
}

func TestEnqueueTooLarge(t *testing.T) {
	f := newFixture(t)
	d := testDomain()
	d.Policies.MaxMessageSize = 4

	_, err := f.mgr.Enqueue(context.Background(), EnqueueRequest{
		Domain:     d,
		Recipients: []string{"a@remote.example"},
		Body:       []byte("too large"),
	})
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Equal(t, 0, f.bodies.Len())

	// the refused message did not consume quota
	_, ok := f.limits.Usage(d.ID)
	assert.False(t, ok)
}

func TestEnqueueInsertFailureRemovesBody(t *testing.T) {
	bodies := newMemoryBodies()
	mgr := NewManager(failingInsertStore{NewMemoryStore()}, bodies, nil, DefaultConfig())

	_, err := mgr.Enqueue(context.Background(), EnqueueRequest{
		Domain:     testDomain(),
		Recipients: []string{"a@remote.example"},
		Body:       []byte("body"),
	})
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, bodies.puts)
	assert.Equal(t, 0, bodies.Len())
}

func TestEnqueueSurvivesNotifierFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	f := newFixture(t, WithNotifier(NewRedisNotifier(client)))
	msg := f.enqueue(t, testDomain(), "body")

	stored, err := f.mgr.Get(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestEnqueueNotifies(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	f := newFixture(t, WithNotifier(NewRedisNotifier(client)))
	msg := f.enqueue(t, testDomain(), "body")

	ready, err := mr.List(ReadyKey)
	require.NoError(t, err)
	assert.Equal(t, []string{msg.ID}, ready)
	hints, err := mr.List(DomainKey("dom-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{msg.ID}, hints)
}

func TestRetryDelay(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), newMemoryBodies(), nil, Config{
		RetryDelay:    5 * time.Minute,
		MaxRetryDelay: time.Hour,
	})
	for i, want := range []time.Duration{5, 10, 20, 40, 60, 60, 60} {
		assert.Equal(t, want*time.Minute, mgr.RetryDelay(i), "retry %d", i)
	}
	assert.Equal(t, time.Hour, mgr.RetryDelay(100))
}

func TestScheduleRetry(t *testing.T) {
	// end-to-end scenario 5
	f := newFixture(t)
	ctx := context.Background()
	msg := f.enqueue(t, testDomain(), "body")
	cause := errors.New("451 4.3.0 try again later")

	var delays []time.Duration
	for i := 0; i < 5; i++ {
		claimed, err := f.mgr.Claim(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", i)

		delay, err := f.mgr.ScheduleRetry(ctx, claimed[0], cause)
		require.NoError(t, err)
		delays = append(delays, delay)

		stored, err := f.mgr.Get(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, stored.Status)
		assert.Equal(t, i+1, stored.RetryCount)
		assert.Equal(t, f.clock.Now().Add(delay), stored.NextRetryAt)
		assert.Equal(t, cause.Error(), stored.LastError)

		// not due before the delay elapses
		none, err := f.mgr.Claim(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, none)

		f.clock.Advance(delay)
	}
	assert.Equal(t, []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute, 40 * time.Minute, time.Hour}, delays)

	claimed, err := f.mgr.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = f.mgr.ScheduleRetry(ctx, claimed[0], cause)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	stored, err := f.mgr.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, cause.Error(), stored.LastError)
}

func TestMarkSentReleasesBody(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.enqueue(t, testDomain(), "body")

	claimed, err := f.mgr.Claim(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, f.mgr.MarkSent(ctx, claimed[0]))

	stored, err := f.mgr.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, stored.Status)
	require.NotNil(t, stored.SentAt)
	assert.Nil(t, stored.ProcessingStartedAt)
	assert.Equal(t, 0, f.bodies.Len())
}

func TestMarkFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := f.enqueue(t, testDomain(), "body")

	require.NoError(t, f.mgr.MarkFailed(ctx, msg, errors.New("550 5.1.1 no such user")))
	stored, err := f.mgr.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, "550 5.1.1 no such user", stored.LastError)

	// operators can push it back
	retried, err := f.mgr.Retry(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, retried.Status)

	_, err = f.mgr.Retry(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 60; i++ {
		f.enqueue(t, testDomain(), fmt.Sprintf("body %d", i))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := f.mgr.Claim(ctx, 7)
				if err != nil || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, m := range batch {
					seen[m.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 60)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestRecover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, testDomain(), "body")

	claimed, err := f.mgr.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	f.clock.Advance(10 * time.Minute)
	n, err := f.mgr.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	f.clock.Advance(25 * time.Minute)
	n, err = f.mgr.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recovered, err := f.mgr.Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, recovered.Status)
	assert.Equal(t, f.clock.Now(), recovered.UpdatedAt)

	again, err := f.mgr.Claim(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.enqueue(t, testDomain(), "old")
	f.clock.Advance(6 * 24 * time.Hour)
	recent := f.enqueue(t, testDomain(), "recent")
	f.clock.Advance(2 * 24 * time.Hour)

	n, err := f.mgr.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.mgr.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.mgr.Get(ctx, recent.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, f.bodies.Len())
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, testDomain(), "1")
	f.enqueue(t, testDomain(), "2")
	_, err := f.mgr.Claim(ctx, 1)
	require.NoError(t, err)

	stats, err := f.mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{StatusPending: 1, StatusProcessing: 1, StatusSent: 0, StatusFailed: 0}, stats)
	assert.Equal(t, 2, stats.Total())
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mgr.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunSweepsOnlyWhenLeading(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, testDomain(), "body")
	claimed, err := f.mgr.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	f.clock.Advance(time.Hour)

	var leading atomic.Bool
	config := DefaultConfig()
	config.RecoveryInterval = 5 * time.Millisecond
	mgr := NewManager(f.store, f.bodies, f.limits, config, WithClock(f.clock.Now), WithLeaderCheck(leading.Load))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = mgr.Run(runCtx) }()

	time.Sleep(50 * time.Millisecond)
	msg, err := f.store.Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, msg.Status, "followers leave stale messages alone")

	leading.Store(true)
	assert.Eventually(t, func() bool {
		msg, err := f.store.Get(ctx, claimed[0].ID)
		return err == nil && msg.Status == StatusPending
	}, 2*time.Second, 10*time.Millisecond)
}
