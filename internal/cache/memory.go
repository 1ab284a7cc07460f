package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Memory is the in-process cache backend. Entries expire lazily on read
// and eagerly through a background sweep.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry)}
}

// Put stores a copy of value under the key for ttl.
func (m *Memory) Put(_ context.Context, callID, treePath string, value []byte, ttl time.Duration) error {
	buf := make([]byte, len(value))
	copy(buf, value)

	m.mu.Lock()
	m.entries[Key(callID, treePath)] = memoryEntry{
		value:   buf,
		expires: time.Now().Add(ttl),
	}
	m.mu.Unlock()
	return nil
}

// Get returns the stored bytes or ErrMiss if absent or expired.
func (m *Memory) Get(_ context.Context, callID, treePath string) ([]byte, error) {
	key := Key(callID, treePath)

	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrMiss
	}
	if time.Now().After(entry.expires) {
		m.mu.Lock()
		if cur, ok := m.entries[key]; ok && time.Now().After(cur.expires) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, ErrMiss
	}
	return entry.value, nil
}

// StartSweeper removes expired entries every interval until ctx is done.
func (m *Memory) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Memory) sweep() {
	now := time.Now()
	m.mu.Lock()
	removed := 0
	for key, entry := range m.entries {
		if now.After(entry.expires) {
			delete(m.entries, key)
			removed++
		}
	}
	remaining := len(m.entries)
	m.mu.Unlock()
	if removed > 0 {
		slog.Debug("routing cache sweep", "removed", removed, "remaining", remaining)
	}
}

// Len reports the number of live and expired-but-unswept entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
