package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLStore(DialectSQLite, filepath.Join(t.TempDir(), "queue.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func sampleMessage(id string, created time.Time) *Message {
	return &Message{
		ID:          id,
		DomainID:    "dom-1",
		From:        "sender@example.com",
		Recipients:  []string{"a@remote.example", "b@remote.example"},
		BodyRef:     "2026/03/01/" + id + ".eml",
		Size:        42,
		Status:      StatusPending,
		MaxRetries:  5,
		NextRetryAt: created,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestSQLiteInsertGetUpdate(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msg := sampleMessage("m1", now)
	require.NoError(t, s.Insert(ctx, msg))

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, msg.Recipients, got.Recipients)
	assert.Equal(t, StatusPending, got.Status)
	assert.True(t, now.Equal(got.NextRetryAt))
	assert.True(t, now.Equal(got.CreatedAt))
	assert.Nil(t, got.ProcessingStartedAt)
	assert.Nil(t, got.SentAt)

	sent := now.Add(time.Minute)
	got.Status = StatusSent
	got.SentAt = &sent
	got.Recipients = []string{"b@remote.example"}
	got.UpdatedAt = sent
	require.NoError(t, s.Update(ctx, got))

	again, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, again.Status)
	assert.Equal(t, []string{"b@remote.example"}, again.Recipients)
	require.NotNil(t, again.SentAt)
	assert.True(t, sent.Equal(*again.SentAt))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, sampleMessage("missing", now)), ErrNotFound)
}

func TestSQLiteClaim(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	due := sampleMessage("due", now.Add(-time.Minute))
	later := sampleMessage("later", now)
	later.NextRetryAt = now.Add(time.Hour)
	failed := sampleMessage("failed", now.Add(-time.Hour))
	failed.Status = StatusFailed
	for _, m := range []*Message{due, later, failed} {
		require.NoError(t, s.Insert(ctx, m))
	}

	claimed, err := s.Claim(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "due", claimed[0].ID)
	assert.Equal(t, StatusProcessing, claimed[0].Status)
	require.NotNil(t, claimed[0].ProcessingStartedAt)
	assert.True(t, now.Equal(*claimed[0].ProcessingStartedAt))

	claimed, err = s.Claim(ctx, 10, now)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	stats, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[StatusPending])
	assert.Equal(t, 1, stats[StatusProcessing])
	assert.Equal(t, 1, stats[StatusFailed])
}

func TestSQLiteConcurrentClaims(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 40; i++ {
		require.NoError(t, s.Insert(ctx, sampleMessage(fmt.Sprintf("m%02d", i), now.Add(-time.Duration(i)*time.Second))))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.Claim(ctx, 5, now)
				if !assert.NoError(t, err) || len(batch) == 0 {
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

	assert.Len(t, seen, 40)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestSQLiteRecoverAndDelete(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	stuck := sampleMessage("stuck", now.Add(-2*time.Hour))
	started := now.Add(-time.Hour)
	stuck.Status = StatusProcessing
	stuck.ProcessingStartedAt = &started
	fresh := sampleMessage("fresh", now)
	fresh.Status = StatusProcessing
	fresh.ProcessingStartedAt = &now
	old := sampleMessage("old", now.Add(-10*24*time.Hour))
	old.Status = StatusSent
	for _, m := range []*Message{stuck, fresh, old} {
		require.NoError(t, s.Insert(ctx, m))
	}

	n, err := s.RecoverStale(ctx, now.Add(-30*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.ProcessingStartedAt)
	assert.True(t, now.Equal(got.UpdatedAt), "updated_at comes from the caller's clock")

	refs, err := s.DeleteOlderThan(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{old.BodyRef}, refs)
	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStoreUnknownDialect(t *testing.T) {
	_, err := NewSQLStore(nil, "oracle")
	assert.Error(t, err)
}

func TestPostgresClaimSkipsLockedRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s, err := NewSQLStore(db, DialectPostgres)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	created := now.Add(-time.Minute)
	rows := sqlmock.NewRows([]string{
		"id", "domain_id", "from_address", "recipients", "body_ref", "size", "status",
		"retry_count", "max_retries", "next_retry_at", "last_error", "created_at", "updated_at",
		"processing_started_at", "sent_at",
	}).AddRow("m1", "dom-1", "sender@example.com", `["a@remote.example"]`, "ref", 10, "processing",
		1, 5, created, "451 later", created, now, now, nil)

	mock.ExpectQuery(regexp.QuoteMeta("LIMIT $2 FOR UPDATE SKIP LOCKED")).
		WithArgs(now, 10).
		WillReturnRows(rows)

	claimed, err := s.Claim(context.Background(), 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "m1", claimed[0].ID)
	assert.Equal(t, []string{"a@remote.example"}, claimed[0].Recipients)
	assert.Equal(t, 1, claimed[0].RetryCount)
	assert.Equal(t, "451 later", claimed[0].LastError)
	require.NotNil(t, claimed[0].ProcessingStartedAt)
	assert.Nil(t, claimed[0].SentAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s, err := NewSQLStore(db, DialectPostgres)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE message_queue SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.Update(context.Background(), sampleMessage("gone", time.Now()))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLTimeScan(t *testing.T) {
	var ts sqlTime
	require.NoError(t, ts.Scan("2026-03-01 12:00:00.5+00:00"))
	assert.True(t, ts.Valid)
	assert.Equal(t, 500*time.Millisecond, time.Duration(ts.Time.Nanosecond()))

	require.NoError(t, ts.Scan([]byte("2026-03-01T12:00:00Z")))
	assert.Equal(t, 12, ts.Time.Hour())

	require.NoError(t, ts.Scan(nil))
	assert.False(t, ts.Valid)
	assert.Nil(t, ts.ptr())

	assert.Error(t, ts.Scan(42))
}
