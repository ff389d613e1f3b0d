// Package sessionstore persists provider snapshots so a wallet session can
// outlive the process. Keys are caller-chosen names; values are the opaque
// JSON produced by a provider's Serialize.
package sessionstore

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound reports a key with no stored snapshot.
var ErrNotFound = errors.New("session not found")

// Store persists serialized provider sessions.
type Store interface {
	// Save writes the snapshot under key, replacing any previous one.
	Save(ctx context.Context, key string, snapshot []byte) error
	// Load returns the snapshot under key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)
	// Delete removes the snapshot under key. Deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key string) error
	// Keys lists the stored session keys.
	Keys(ctx context.Context) ([]string, error)
}

// MemoryStore keeps snapshots in process memory. Suitable for tests and for
// applications whose sessions do not need to survive a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Save(_ context.Context, key string, snapshot []byte) error {
	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)
	m.mu.Lock()
	m.data[key] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)
	return cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}
