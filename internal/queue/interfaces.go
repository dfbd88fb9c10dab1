package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("queue: message not found")
	ErrRateLimited     = errors.New("queue: domain rate limit exceeded")
	ErrMessageTooLarge = errors.New("queue: message exceeds domain size limit")
	ErrNoRecipients    = errors.New("queue: no recipients")
	ErrNotRetryable    = errors.New("queue: message cannot be retried")
)

// Status is the lifecycle state of a queued message
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusSent, StatusFailed}

// Message is one queue entry. The body lives in a BodyStore under BodyRef.
type Message struct {
	ID                  string     `json:"id"`
	DomainID            string     `json:"domain_id"`
	From                string     `json:"from"`
	Recipients          []string   `json:"recipients"`
	BodyRef             string     `json:"body_ref"`
	Size                int64      `json:"size"`
	Status              Status     `json:"status"`
	RetryCount          int        `json:"retry_count"`
	MaxRetries          int        `json:"max_retries"`
	NextRetryAt         time.Time  `json:"next_retry_at"`
	LastError           string     `json:"last_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	SentAt              *time.Time `json:"sent_at,omitempty"`
}

// Stats holds message counts by status
type Stats map[Status]int

// Total returns the number of messages in any status
func (s Stats) Total() int {
	n := 0
	for _, c := range s {
		n += c
	}
	return n
}

// Store is the durable source of truth for queue state
type Store interface {
	Insert(ctx context.Context, msg *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	// Update persists the mutable fields of msg
	Update(ctx context.Context, msg *Message) error
	// Claim atomically moves up to limit due pending messages to processing.
	// A message is handed to at most one caller.
	Claim(ctx context.Context, limit int, now time.Time) ([]*Message, error)
	// RecoverStale resets processing messages claimed before cutoff,
	// stamping them with now
	RecoverStale(ctx context.Context, cutoff, now time.Time) (int64, error)
	// DeleteOlderThan removes messages created before cutoff and returns
	// their body references
	DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
	CountByStatus(ctx context.Context) (Stats, error)
}

// BodyStore keeps raw message bodies
type BodyStore interface {
	Put(ctx context.Context, id string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// Notifier is the optional fast path that wakes workers on enqueue. The
// Store stays authoritative when notifications are lost.
type Notifier interface {
	Notify(ctx context.Context, domainID, id string) error
	// Wait blocks until a notification arrives, timeout elapses or ctx ends.
	// It reports whether a notification was received.
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}
