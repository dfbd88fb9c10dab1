package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQL dialects supported by SQLStore
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

const messageColumns = `id, domain_id, from_address, recipients, body_ref, size, status,
	retry_count, max_retries, next_retry_at, last_error, created_at, updated_at,
	processing_started_at, sent_at`

var schema = map[string]string{
	DialectPostgres: `CREATE TABLE IF NOT EXISTS message_queue (
	id TEXT PRIMARY KEY,
	domain_id TEXT NOT NULL,
	from_address TEXT NOT NULL DEFAULT '',
	recipients TEXT NOT NULL,
	body_ref TEXT NOT NULL DEFAULT '',
	size BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 5,
	next_retry_at TIMESTAMPTZ NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	processing_started_at TIMESTAMPTZ,
	sent_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_message_queue_due ON message_queue (status, next_retry_at);`,
	DialectSQLite: `CREATE TABLE IF NOT EXISTS message_queue (
	id TEXT PRIMARY KEY,
	domain_id TEXT NOT NULL,
	from_address TEXT NOT NULL DEFAULT '',
	recipients TEXT NOT NULL,
	body_ref TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 5,
	next_retry_at DATETIME NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	processing_started_at DATETIME,
	sent_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_message_queue_due ON message_queue (status, next_retry_at);`,
}

// SQLStore keeps the queue in a message_queue table
type SQLStore struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger
}

// NewSQLStore wraps an open database of the given dialect
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if _, ok := schema[dialect]; !ok {
		return nil, fmt.Errorf("queue: unsupported sql dialect %q", dialect)
	}
	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  slog.Default().With("component", "queue-store", "dialect", dialect),
	}, nil
}

// OpenSQLStore opens dsn with the dialect's driver
func OpenSQLStore(dialect, dsn string, maxOpenConns int) (*SQLStore, error) {
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// one writer at a time
		maxOpenConns = 1
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	s, err := NewSQLStore(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying handle
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the queue table when it does not exist
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema[s.dialect], ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create queue schema: %w", err)
		}
	}
	return nil
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $n placeholders to the dialect's syntax
func (s *SQLStore) rebind(query string) string {
	if s.dialect == DialectSQLite {
		return placeholder.ReplaceAllString(query, "?$1")
	}
	return query
}

func (s *SQLStore) Insert(ctx context.Context, msg *Message) error {
	recipients, err := json.Marshal(msg.Recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO message_queue (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`),
		msg.ID, msg.DomainID, msg.From, string(recipients), msg.BodyRef, msg.Size, string(msg.Status),
		msg.RetryCount, msg.MaxRetries, msg.NextRetryAt.UTC(), msg.LastError,
		msg.CreatedAt.UTC(), msg.UpdatedAt.UTC(), nullTime(msg.ProcessingStartedAt), nullTime(msg.SentAt))
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+messageColumns+` FROM message_queue WHERE id = $1`), id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return msg, nil
}

func (s *SQLStore) Update(ctx context.Context, msg *Message) error {
	recipients, err := json.Marshal(msg.Recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE message_queue SET
		recipients = $2, status = $3, retry_count = $4, max_retries = $5, next_retry_at = $6,
		last_error = $7, processing_started_at = $8, sent_at = $9, updated_at = $10
		WHERE id = $1`),
		msg.ID, string(recipients), string(msg.Status), msg.RetryCount, msg.MaxRetries,
		msg.NextRetryAt.UTC(), msg.LastError, nullTime(msg.ProcessingStartedAt), nullTime(msg.SentAt),
		msg.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("update message %s: %w", msg.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Claim runs a single conditional UPDATE ... RETURNING. PostgreSQL skips
// rows locked by concurrent claimers; SQLite serializes writers.
func (s *SQLStore) Claim(ctx context.Context, limit int, now time.Time) ([]*Message, error) {
	lock := ""
	if s.dialect == DialectPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	query := s.rebind(`UPDATE message_queue
		SET status = 'processing', processing_started_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM message_queue
			WHERE status = 'pending' AND next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $2` + lock + `
		)
		RETURNING ` + messageColumns)

	rows, err := s.db.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim messages: %w", err)
	}
	return out, nil
}

func (s *SQLStore) RecoverStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE message_queue
		SET status = 'pending', processing_started_at = NULL, updated_at = $2
		WHERE status = 'processing' AND processing_started_at < $1`),
		cutoff.UTC(), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("reset stuck messages: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`DELETE FROM message_queue WHERE created_at < $1 RETURNING body_ref`), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("cleanup old messages: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan body ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *SQLStore) CountByStatus(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM message_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query queue stats: %w", err)
	}
	defer rows.Close()

	out := make(Stats)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var recipients, status string
	var next, created, updated, started, sent sqlTime
	err := row.Scan(&msg.ID, &msg.DomainID, &msg.From, &recipients, &msg.BodyRef, &msg.Size, &status,
		&msg.RetryCount, &msg.MaxRetries, &next, &msg.LastError, &created, &updated, &started, &sent)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recipients), &msg.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients of %s: %w", msg.ID, err)
	}
	msg.Status = Status(status)
	msg.NextRetryAt = next.Time
	msg.CreatedAt = created.Time
	msg.UpdatedAt = updated.Time
	msg.ProcessingStartedAt = started.ptr()
	msg.SentAt = sent.ptr()
	return &msg, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// sqlTime scans timestamps from drivers that return time.Time as well as
// from SQLite text columns
type sqlTime struct {
	Time  time.Time
	Valid bool
}

var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func (t *sqlTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	}
	return fmt.Errorf("queue: cannot scan %T into timestamp", src)
}

func (t *sqlTime) parse(s string) error {
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range sqliteTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("queue: unparseable timestamp %q", s)
}

func (t sqlTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
