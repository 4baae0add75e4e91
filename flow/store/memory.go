package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps snapshots in process memory. Suited to tests and
// single-process hosts that do not need durability across restarts.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot

	// now is swappable for TTL tests.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string]Snapshot),
		now:   time.Now,
	}
}

// Put stores the snapshot, replacing any previous one under the same id.
func (m *MemoryStore) Put(ctx context.Context, snap Snapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = m.now()
	}
	data := make([]byte, len(snap.Data))
	copy(data, snap.Data)
	snap.Data = data

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.ID] = snap
	return nil
}

// Get returns the snapshot under id, or ErrNotFound if absent or
// expired. Expired snapshots are dropped on read.
func (m *MemoryStore) Get(ctx context.Context, id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if snap.expired(m.now()) {
		delete(m.snaps, id)
		return Snapshot{}, ErrNotFound
	}
	data := make([]byte, len(snap.Data))
	copy(data, snap.Data)
	snap.Data = data
	return snap, nil
}

// Delete removes the snapshot under id. Deleting an absent id is not an
// error.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, id)
	return nil
}

// Expire removes every snapshot past its TTL.
func (m *MemoryStore) Expire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, snap := range m.snaps {
		if snap.expired(now) {
			delete(m.snaps, id)
		}
	}
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// Len returns the number of stored snapshots, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snaps)
}
