package approval

import (
	"context"
	"sync"
	"time"
)

// ReplayStore records consumed token identities. ConsumeOnce must be atomic:
// the first call for a key returns true and records it; every later call
// within the retention window returns false.
type ReplayStore interface {
	ConsumeOnce(ctx context.Context, key string, retention time.Duration) (bool, error)
}

// MemoryReplayStore is a single-process ReplayStore. A mutex makes the
// check-and-insert atomic; expired entries are swept opportunistically.
// Multi-node deployments should use RedisReplayStore instead.
type MemoryReplayStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	clock   func() time.Time
}

// NewMemoryReplayStore creates an empty in-process replay store.
func NewMemoryReplayStore() *MemoryReplayStore {
	return &MemoryReplayStore{
		entries: make(map[string]time.Time),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryReplayStore) WithClock(clock func() time.Time) *MemoryReplayStore {
	s.clock = clock
	return s
}

// ConsumeOnce implements ReplayStore.
func (s *MemoryReplayStore) ConsumeOnce(_ context.Context, key string, retention time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	for k, expiry := range s.entries {
		if now.After(expiry) {
			delete(s.entries, k)
		}
	}

	if _, used := s.entries[key]; used {
		return false, nil
	}
	s.entries[key] = now.Add(retention)
	return true, nil
}

// Len reports the number of live entries. Intended for tests.
func (s *MemoryReplayStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
