package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	maxEntries = 10000
	entryTTL   = 5 * time.Minute
)

type entry struct {
	timestamps []time.Time
	lastAccess time.Time
}

// Memory is a process-local sliding window limiter.
type Memory struct {
	mu    sync.Mutex
	store map[string]*entry
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		store: make(map[string]*entry),
		now:   time.Now,
	}
}

func (m *Memory) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	windowStart := now.Add(-window)

	e, ok := m.store[key]
	if !ok {
		if len(m.store) >= maxEntries {
			m.evictLocked(now)
		}
		e = &entry{}
		m.store[key] = e
	}
	e.lastAccess = now

	filtered := e.timestamps[:0]
	for _, ts := range e.timestamps {
		if ts.After(windowStart) {
			filtered = append(filtered, ts)
		}
	}
	e.timestamps = filtered

	if len(e.timestamps) >= limit {
		return false, e.timestamps[0].Add(window)
	}

	e.timestamps = append(e.timestamps, now)
	return true, now.Add(window)
}

// Cleanup drops keys idle longer than the entry TTL and returns how many went.
func (m *Memory) Cleanup(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropIdleLocked(m.now()), nil
}

func (m *Memory) dropIdleLocked(now time.Time) int64 {
	var removed int64
	for key, e := range m.store {
		if now.Sub(e.lastAccess) > entryTTL {
			delete(m.store, key)
			removed++
		}
	}
	return removed
}

// evictLocked makes room when the table is full: idle keys first, then an
// arbitrary fifth of the rest.
func (m *Memory) evictLocked(now time.Time) {
	if m.dropIdleLocked(now) > 0 {
		return
	}
	victims := len(m.store) / 5
	for key := range m.store {
		if victims == 0 {
			break
		}
		delete(m.store, key)
		victims--
	}
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.store)
}
