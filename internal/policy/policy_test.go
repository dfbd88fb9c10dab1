package policy

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/busybox42/mailcore/internal/cache"
	"github.com/busybox42/mailcore/internal/domain"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var domainCols = []string{"id", "organization_id", "name", "status",
	"mx_verified", "spf_verified", "dkim_verified", "dmarc_verified",
	"catch_all_address", "max_message_size", "require_tls", "allow_external_relay",
	"rate_limit_per_hour", "rate_limit_per_day", "reject_unknown_users", "created_at", "updated_at"}

func TestPostgresStore_GetDomain(t *testing.T) {
	db, mock := setupTestDB(t)
	store := NewPostgresStore(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM domains WHERE name = $1")).
		WithArgs("example.com").
		WillReturnRows(sqlmock.NewRows(domainCols).AddRow(
			"d1", "org1", "example.com", "verified", true, true, true, false,
			"catchall@example.com", 0, false, true, 100, 1000, true, now, now))

	d, err := store.GetDomain(context.Background(), "Example.COM")
	require.NoError(t, err)
	assert.Equal(t, "d1", d.ID)
	assert.Equal(t, domain.StatusVerified, d.Status)
	assert.Equal(t, "catchall@example.com", d.Policies.CatchAllAddress)
	assert.Equal(t, domain.DefaultMaxMessageSize, d.Policies.MaxMessageSize)
	assert.Equal(t, 100, d.Policies.RateLimitPerHour)

	mock.ExpectQuery(regexp.QuoteMeta("FROM domains WHERE name = $1")).
		WithArgs("missing.example").
		WillReturnError(sql.ErrNoRows)
	_, err = store.GetDomain(context.Background(), "missing.example")
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectQuery(regexp.QuoteMeta("FROM domains WHERE name = $1")).
		WithArgs("broken.example").
		WillReturnError(errors.New("connection reset"))
	_, err = store.GetDomain(context.Background(), "broken.example")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetActiveDKIMKey(t *testing.T) {
	db, mock := setupTestDB(t)
	store := NewPostgresStore(db)
	now := time.Now()
	expires := now.Add(24 * time.Hour)

	cols := []string{"id", "domain_id", "selector", "algorithm", "key_size", "public_key",
		"private_key", "is_active", "expires_at", "rotated_at", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta("k.is_active = true")).
		WithArgs("example.com").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"k1", "d1", "mail", "rsa-sha256", 2048, "pub", "priv", true, expires, nil, now))

	k, err := store.GetActiveDKIMKey(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "mail", k.Selector)
	require.NotNil(t, k.ExpiresAt)
	assert.Nil(t, k.RotatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetDistributionList(t *testing.T) {
	db, mock := setupTestDB(t)
	store := NewPostgresStore(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM distribution_lists l WHERE lower(l.address) = $1")).
		WithArgs("team@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "domain_id", "address", "moderated", "active", "members", "moderators"}).
			AddRow("l1", "d1", "team@example.com", false, true, "{a@example.com,b@example.com}", "{}"))

	l, err := store.GetDistributionList(context.Background(), "Team@Example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, l.Members)
	assert.Empty(t, l.Moderators)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRoutingRules(t *testing.T) {
	db, mock := setupTestDB(t)
	store := NewPostgresStore(db)

	cols := []string{"id", "domain_id", "name", "priority", "active",
		"sender_pattern", "recipient_pattern", "subject_pattern", "header_name", "header_pattern",
		"min_size", "max_size", "has_attachment", "action_type", "action_target",
		"reject_message", "quarantine_reason"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM routing_rules WHERE domain_id = $1")).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("r1", "d1", "first", 1, true, "*@spam.example", "", "", "", "", 0, 0, nil, "reject", "", "no", "").
			AddRow("r2", "d1", "second", 5, true, "", "", "", "", "", 0, 0, true, "quarantine", "", "", "attachment"))

	rules, err := store.GetRoutingRules(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, domain.ActionReject, rules[0].Actions.Type)
	assert.Nil(t, rules[0].Conditions.HasAttachment)
	require.NotNil(t, rules[1].Conditions.HasAttachment)
	assert.True(t, *rules[1].Conditions.HasAttachment)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	expired := now.Add(-time.Hour)

	s.AddDomain(&domain.Domain{ID: "d1", Name: "Example.com", Status: domain.StatusVerified})
	s.AddDomain(&domain.Domain{ID: "d2", Name: "frozen.example", Status: domain.StatusSuspended})
	s.AddDKIMKey("example.com", &domain.DKIMKey{ID: "old", Selector: "s1", IsActive: true, CreatedAt: now.Add(-48 * time.Hour)})
	s.AddDKIMKey("example.com", &domain.DKIMKey{ID: "new", Selector: "s2", IsActive: true, CreatedAt: now.Add(-time.Hour)})
	s.AddDKIMKey("example.com", &domain.DKIMKey{ID: "gone", Selector: "s3", IsActive: true, ExpiresAt: &expired, CreatedAt: now})
	s.AddRoutingRule(&domain.RoutingRule{ID: "b", DomainID: "d1", Priority: 20, Active: true})
	s.AddRoutingRule(&domain.RoutingRule{ID: "a", DomainID: "d1", Priority: 10, Active: true})
	s.AddRoutingRule(&domain.RoutingRule{ID: "off", DomainID: "d1", Priority: 1, Active: false})

	local, err := IsLocalDomain(ctx, s, "EXAMPLE.COM")
	require.NoError(t, err)
	assert.True(t, local)

	local, err = IsLocalDomain(ctx, s, "frozen.example")
	require.NoError(t, err)
	assert.False(t, local)

	local, err = IsLocalDomain(ctx, s, "elsewhere.example")
	require.NoError(t, err)
	assert.False(t, local)

	k, err := s.GetActiveDKIMKey(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "new", k.ID)

	k, err = s.GetDKIMKeyBySelector(ctx, "example.com", "s3")
	require.NoError(t, err)
	assert.Equal(t, "gone", k.ID)

	rules, err := s.GetRoutingRules(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "a", rules[0].ID)
	assert.Equal(t, "b", rules[1].ID)

	_, err = s.GetMailbox(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParsePayload(t *testing.T) {
	table, action, id, err := ParsePayload("mailboxes:update:1234-abcd")
	require.NoError(t, err)
	assert.Equal(t, "mailboxes", table)
	assert.Equal(t, "update", action)
	assert.Equal(t, "1234-abcd", id)

	_, _, id, err = ParsePayload("routing_rules:delete:a:b")
	require.NoError(t, err)
	assert.Equal(t, "a:b", id)

	for _, bad := range []string{"", "mailboxes", "mailboxes:update", "::", "a::c"} {
		_, _, _, err := ParsePayload(bad)
		assert.Error(t, err, bad)
	}
}

type fakeSource struct {
	listened []string
	ch       chan *pq.Notification
	closed   bool
}

func (f *fakeSource) Listen(channel string) error {
	f.listened = append(f.listened, channel)
	return nil
}
func (f *fakeSource) NotificationChannel() <-chan *pq.Notification { return f.ch }
func (f *fakeSource) Ping() error                                 { return nil }
func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

func TestListenerDispatch(t *testing.T) {
	src := &fakeSource{ch: make(chan *pq.Notification, 4)}
	l := newListener(src, slog.New(slog.NewTextHandler(io.Discard, nil)))

	src.ch <- &pq.Notification{Channel: "alias_changes", Extra: "aliases:insert:42"}
	src.ch <- &pq.Notification{Channel: "alias_changes", Extra: "garbage"}
	src.ch <- nil

	ctx, cancel := context.WithCancel(context.Background())
	var got []Change
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx, func(c Change) {
			got = append(got, c)
			if len(got) == 2 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}

	assert.Equal(t, Channels, src.listened)
	assert.True(t, src.closed)
	require.Len(t, got, 2)
	assert.Equal(t, Change{Channel: "alias_changes", Table: "aliases", Action: "insert", ID: "42"}, got[0])
	assert.True(t, got[1].Resync())
}

type countingStore struct {
	*MemoryStore
	domainCalls int
}

func (c *countingStore) GetDomain(ctx context.Context, name string) (*domain.Domain, error) {
	c.domainCalls++
	return c.MemoryStore.GetDomain(ctx, name)
}

func TestCachedStore(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	mem.AddDomain(&domain.Domain{ID: "d1", Name: "example.com", Status: domain.StatusVerified,
		Policies: domain.Policies{RateLimitPerHour: 5}})
	backing := &countingStore{MemoryStore: mem}

	c := cache.NewMemory(cache.Config{})
	require.NoError(t, c.Connect())
	defer c.Close()

	s := NewCachedStore(backing, c, time.Minute)

	d, err := s.GetDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 5, d.Policies.RateLimitPerHour)

	_, err = s.GetDomain(ctx, "EXAMPLE.com")
	require.NoError(t, err)
	assert.Equal(t, 1, backing.domainCalls)

	hits, misses := s.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)

	// permission changes leave domain entries alone
	s.Invalidate(Change{Table: "user_domain_permissions", Action: "update", ID: "x"})
	_, err = s.GetDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, backing.domainCalls)

	s.Invalidate(Change{Channel: "domain_changes", Table: "domains", Action: "update", ID: "d1"})
	_, err = s.GetDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, backing.domainCalls)

	s.Invalidate(Change{Table: "*"})
	_, err = s.GetDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, backing.domainCalls)

	_, err = s.GetDomain(ctx, "nope.example")
	assert.ErrorIs(t, err, ErrNotFound)
}
