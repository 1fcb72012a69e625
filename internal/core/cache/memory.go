package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/nexusai/chgate/internal/core"
)

// Memory is an in-process ResponseCache guarded by a mutex.
type Memory struct {
	Clock      func() time.Time
	MaxEntries int
	Logger     *logging.Logger

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value    []byte
	storedAt time.Time
	ttl      time.Duration
}

// NewMemory returns an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry)}
}

// Get returns the cached value when it has not expired. Expired entries are
// removed on the way out.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entryValid(now, entry.storedAt, entry.ttl) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return cloneBytes(entry.value), true, nil
}

// Set stores value for ttl. A non-positive ttl is ignored.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries == nil {
		m.entries = make(map[string]memoryEntry)
	}
	if _, exists := m.entries[key]; !exists && m.MaxEntries > 0 && len(m.entries) >= m.MaxEntries {
		m.evictLocked(now)
	}
	m.entries[key] = memoryEntry{value: cloneBytes(value), storedAt: now, ttl: ttl}
	return nil
}

// Invalidate removes key if present.
func (m *Memory) Invalidate(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Stats lists live entries, oldest first.
func (m *Memory) Stats(ctx context.Context) (core.CacheStats, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	stats := core.CacheStats{Backend: BackendMemory, Entries: make([]core.CacheEntryStat, 0, len(m.entries))}
	for key, entry := range m.entries {
		if !entryValid(now, entry.storedAt, entry.ttl) {
			continue
		}
		stats.Entries = append(stats.Entries, core.CacheEntryStat{
			Key:       key,
			AgeMs:     now.Sub(entry.storedAt).Milliseconds(),
			SizeBytes: len(entry.value),
		})
	}
	sort.Slice(stats.Entries, func(i, j int) bool {
		if stats.Entries[i].AgeMs == stats.Entries[j].AgeMs {
			return stats.Entries[i].Key < stats.Entries[j].Key
		}
		return stats.Entries[i].AgeMs > stats.Entries[j].AgeMs
	})
	stats.Size = len(stats.Entries)
	return stats, nil
}

// Purge drops every entry.
func (m *Memory) Purge(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := len(m.entries)
	m.entries = make(map[string]memoryEntry)
	return count, nil
}

// Sweep removes expired entries and returns how many were dropped.
func (m *Memory) Sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, entry := range m.entries {
		if !entryValid(now, entry.storedAt, entry.ttl) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps expired entries periodically until ctx is cancelled.
func (m *Memory) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := m.Sweep(); n > 0 && m.Logger != nil {
					m.Logger.Debug("Swept expired cache entries", zap.Int("removed", n))
				}
			}
		}
	}()
}

// evictLocked makes room for one entry: expired entries go first, otherwise
// the oldest entry is dropped.
func (m *Memory) evictLocked(now time.Time) {
	var (
		oldestKey string
		oldestAt  time.Time
		expired   bool
	)
	for key, entry := range m.entries {
		if !entryValid(now, entry.storedAt, entry.ttl) {
			delete(m.entries, key)
			expired = true
			continue
		}
		if oldestKey == "" || entry.storedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.storedAt
		}
	}
	if !expired && oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}

func (m *Memory) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now().UTC()
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}
