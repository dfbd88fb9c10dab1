package cache

import (
	"context"
	"sync"
	"time"
)

type item struct {
	value      []byte
	expiration int64 // unix nanoseconds, 0 = never
}

// Memory implements Cache in process memory
type Memory struct {
	config    Config
	items     map[string]item
	mu        sync.RWMutex
	connected bool
	janitor   *time.Ticker
	stopChan  chan struct{}
	now       func() time.Time
}

// NewMemory creates a new in-memory cache
func NewMemory(config Config) *Memory {
	return &Memory{
		config: config,
		items:  make(map[string]item),
		now:    time.Now,
	}
}

// Connect starts the janitor that evicts expired items
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	m.janitor = time.NewTicker(time.Minute)
	m.stopChan = make(chan struct{})
	janitor, stop := m.janitor, m.stopChan

	go func() {
		for {
			select {
			case <-janitor.C:
				m.deleteExpired()
			case <-stop:
				janitor.Stop()
				return
			}
		}
	}()

	m.connected = true
	return nil
}

// Close stops the janitor and clears the cache
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	close(m.stopChan)
	m.items = make(map[string]item)
	m.connected = false
	return nil
}

// Type returns the type of this cache
func (m *Memory) Type() string {
	return "memory"
}

// Get retrieves a value from the cache
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return nil, ErrNotConnected
	}

	it, found := m.items[m.config.Prefix+key]
	if !found {
		return nil, ErrNotFound
	}
	if it.expiration > 0 && m.now().UnixNano() > it.expiration {
		return nil, ErrNotFound
	}

	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

// Set stores a value in the cache
func (m *Memory) Set(_ context.Context, key string, value []byte, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	var exp int64
	if expiration > 0 {
		exp = m.now().Add(expiration).UnixNano()
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.items[m.config.Prefix+key] = item{value: stored, expiration: exp}
	return nil
}

// Delete removes a value from the cache
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	delete(m.items, m.config.Prefix+key)
	return nil
}

// Len returns the number of stored items, expired ones included
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *Memory) deleteExpired() {
	now := m.now().UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, it := range m.items {
		if it.expiration > 0 && now > it.expiration {
			delete(m.items, k)
		}
	}
}
