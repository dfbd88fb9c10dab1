package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Event names recorded by the stats store
const (
	EventReceived = "received"
	EventSent     = "sent"
	EventDeferred = "deferred"
	EventFailed   = "failed"
)

// DeliveryStats holds lifetime delivery counters
type DeliveryStats struct {
	Received    int64     `json:"received"`
	Sent        int64     `json:"sent"`
	Deferred    int64     `json:"deferred"`
	Failed      int64     `json:"failed"`
	LastUpdated time.Time `json:"last_updated"`
}

// HourlyStats holds one hour of delivery counts
type HourlyStats struct {
	Hour     string `json:"hour"`
	Sent     int64  `json:"sent"`
	Deferred int64  `json:"deferred"`
	Failed   int64  `json:"failed"`
}

// RecentError is a delivery failure kept for operators
type RecentError struct {
	MessageID string    `json:"message_id"`
	Domain    string    `json:"domain"`
	Recipient string    `json:"recipient"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

const maxRecentErrors = 100

// StatsStore keeps delivery statistics in Valkey so they survive restarts
// and are shared between nodes. Counters exist globally and per domain.
type StatsStore struct {
	client valkey.Client
	prefix string
	now    func() time.Time
}

// NewStatsStoreWithClient wraps an existing client
func NewStatsStoreWithClient(client valkey.Client) *StatsStore {
	return &StatsStore{
		client: client,
		prefix: "mailcore:stats:",
		now:    time.Now,
	}
}

// Close closes the Valkey connection
func (s *StatsStore) Close() {
	s.client.Close()
}

func (s *StatsStore) scope(domain string) string {
	if domain == "" {
		return s.prefix + "all:"
	}
	return s.prefix + "domain:" + domain + ":"
}

// Record increments the event counter globally and for domain. Hourly
// buckets expire after a day.
func (s *StatsStore) Record(ctx context.Context, domain, event string) error {
	now := s.now().UTC()
	hour := now.Format("2006-01-02:15")

	cmds := make(valkey.Commands, 0, 7)
	scopes := []string{s.scope("")}
	if domain != "" {
		scopes = append(scopes, s.scope(domain))
	}
	for _, scope := range scopes {
		hourKey := scope + "hourly:" + hour + ":" + event
		cmds = append(cmds,
			s.client.B().Incr().Key(scope+event).Build(),
			s.client.B().Incr().Key(hourKey).Build(),
			s.client.B().Expire().Key(hourKey).Seconds(86400).Build(),
		)
	}
	cmds = append(cmds, s.client.B().Set().Key(s.prefix+"last_updated").Value(now.Format(time.RFC3339)).Build())

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to record %s event: %w", event, err)
		}
	}
	return nil
}

func (s *StatsStore) getInt(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).AsInt64()
	if valkey.IsValkeyNil(err) {
		return 0, nil
	}
	return n, err
}

// Totals returns the lifetime counters for domain, or all domains when empty
func (s *StatsStore) Totals(ctx context.Context, domain string) (*DeliveryStats, error) {
	scope := s.scope(domain)
	stats := &DeliveryStats{}

	fields := map[string]*int64{
		EventReceived: &stats.Received,
		EventSent:     &stats.Sent,
		EventDeferred: &stats.Deferred,
		EventFailed:   &stats.Failed,
	}
	for event, dst := range fields {
		n, err := s.getInt(ctx, scope+event)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s counter: %w", event, err)
		}
		*dst = n
	}

	last, err := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"last_updated").Build()).ToString()
	if err == nil {
		stats.LastUpdated, _ = time.Parse(time.RFC3339, last)
	}
	return stats, nil
}

// Hourly returns the last 24 hourly buckets, oldest first
func (s *StatsStore) Hourly(ctx context.Context, domain string) ([]HourlyStats, error) {
	scope := s.scope(domain)
	now := s.now().UTC()
	stats := make([]HourlyStats, 24)

	for i := 0; i < 24; i++ {
		hour := now.Add(-time.Duration(23-i) * time.Hour)
		base := scope + "hourly:" + hour.Format("2006-01-02:15") + ":"
		stats[i].Hour = hour.Format("15:00")

		var err error
		if stats[i].Sent, err = s.getInt(ctx, base+EventSent); err != nil {
			return nil, err
		}
		if stats[i].Deferred, err = s.getInt(ctx, base+EventDeferred); err != nil {
			return nil, err
		}
		if stats[i].Failed, err = s.getInt(ctx, base+EventFailed); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// AddRecentError stores a delivery error, keeping the newest entries only
func (s *StatsStore) AddRecentError(ctx context.Context, e RecentError) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	key := s.prefix + "recent_errors"
	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Lpush().Key(key).Element(string(data)).Build(),
		s.client.B().Ltrim().Key(key).Start(0).Stop(maxRecentErrors-1).Build(),
	) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

// RecentErrors returns up to limit errors, newest first
func (s *StatsStore) RecentErrors(ctx context.Context, limit int64) ([]RecentError, error) {
	if limit <= 0 || limit > maxRecentErrors {
		limit = maxRecentErrors
	}
	items, err := s.client.Do(ctx, s.client.B().Lrange().Key(s.prefix+"recent_errors").Start(0).Stop(limit-1).Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}

	out := make([]RecentError, 0, len(items))
	for _, item := range items {
		var e RecentError
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
