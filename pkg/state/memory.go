package state

import (
	"context"
	"sync"

	"github.com/crozzbite/phylactery/pkg/graph"
)

// MemoryStore keeps snapshots in process memory, passed through the codec so
// schema validation and sealing behave exactly as in the durable store.
type MemoryStore struct {
	mu    sync.RWMutex
	codec *Codec
	rows  map[string][]byte
}

// NewMemoryStore builds an in-memory store over the given codec.
func NewMemoryStore(codec *Codec) *MemoryStore {
	return &MemoryStore{codec: codec, rows: make(map[string][]byte)}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, threadID string) (*graph.State, error) {
	m.mu.RLock()
	data, ok := m.rows[threadID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.codec.Decode(data)
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, s *graph.State) error {
	data, err := m.codec.Encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.rows[s.ThreadID] = data
	m.mu.Unlock()
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, threadID string) error {
	m.mu.Lock()
	delete(m.rows, threadID)
	m.mu.Unlock()
	return nil
}

// Corrupt overwrites a stored snapshot with arbitrary bytes. Test hook for
// the quarantine path.
func (m *MemoryStore) Corrupt(threadID string, data []byte) {
	m.mu.Lock()
	m.rows[threadID] = data
	m.mu.Unlock()
}
