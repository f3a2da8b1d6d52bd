package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local Store. Tests read back what was written via Activity.
type Memory struct {
	mu       sync.Mutex
	activity []ActivityEntry
	markers  map[string]string
	dedup    map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{markers: map[string]string{}, dedup: map[string]time.Time{}}
}

func (m *Memory) AppendActivity(_ context.Context, e ActivityEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	m.activity = append(m.activity, e)
	m.mu.Unlock()
	return nil
}

// Activity returns a copy of everything appended so far, in append order.
func (m *Memory) Activity() []ActivityEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ActivityEntry(nil), m.activity...)
}

func (m *Memory) GetMarker(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.markers[key]
	return v, ok, nil
}

func (m *Memory) PutMarker(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.markers[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) PutDedup(_ context.Context, key string, until time.Time) error {
	m.mu.Lock()
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.dedup[key]
	return v, ok, nil
}

func (m *Memory) Close() error { return nil }
