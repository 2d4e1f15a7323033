package cache

import (
	"context"
	"slices"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is a process-local Cache. It is used when no Redis host is
// configured.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

var _ Cache = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || (!e.expiresAt.IsZero() && !m.now().Before(e.expiresAt)) {
		return nil, ErrMiss
	}
	return slices.Clone(e.value), nil
}

// Set stores a copy of value. A zero expiration keeps the key forever.
func (m *Memory) Set(_ context.Context, key string, value []byte, expiration time.Duration) error {
	e := entry{value: slices.Clone(value)}
	if expiration > 0 {
		e.expiresAt = m.now().Add(expiration)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Flush drops every key.
func (m *Memory) Flush() {
	m.mu.Lock()
	clear(m.entries)
	m.mu.Unlock()
}

func (m *Memory) Close() error {
	m.Flush()
	return nil
}

func (m *Memory) HealthCheck(context.Context) error {
	return nil
}
