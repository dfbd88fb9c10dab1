package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store kept in process memory, for tests and dev mode
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]*Message
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*Message)}
}

func cloneMessage(m *Message) *Message {
	c := *m
	c.Recipients = append([]string(nil), m.Recipients...)
	if m.ProcessingStartedAt != nil {
		t := *m.ProcessingStartedAt
		c.ProcessingStartedAt = &t
	}
	if m.SentAt != nil {
		t := *m.SentAt
		c.SentAt = &t
	}
	return &c
}

func (s *MemoryStore) Insert(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) Update(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; !ok {
		return ErrNotFound
	}
	s.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, limit int, now time.Time) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Message
	for _, m := range s.messages {
		if m.Status == StatusPending && !m.NextRetryAt.After(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRetryAt.Equal(due[j].NextRetryAt) {
			return due[i].NextRetryAt.Before(due[j].NextRetryAt)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Message, 0, len(due))
	for _, m := range due {
		started := now
		m.Status = StatusProcessing
		m.ProcessingStartedAt = &started
		m.UpdatedAt = now
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (s *MemoryStore) RecoverStale(_ context.Context, cutoff, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.Status == StatusProcessing && m.ProcessingStartedAt != nil && m.ProcessingStartedAt.Before(cutoff) {
			m.Status = StatusPending
			m.ProcessingStartedAt = nil
			m.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []string
	for id, m := range s.messages {
		if m.CreatedAt.Before(cutoff) {
			refs = append(refs, m.BodyRef)
			delete(s.messages, id)
		}
	}
	return refs, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Stats)
	for _, m := range s.messages {
		out[m.Status]++
	}
	return out, nil
}
