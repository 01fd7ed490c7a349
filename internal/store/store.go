// Package store persists document snapshots. Every backend tolerates being
// unavailable: callers treat errors as transient and keep serving from memory.
package store

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"
)

var ErrClosed = errors.New("store closed")

// Snapshot is the persisted projection of a document session.
type Snapshot struct {
	Content  string         `json:"content"`
	Version  int            `json:"version"`
	Metadata map[string]any `json:"metadata"`
	SavedAt  time.Time      `json:"savedAt"`
}

// Clone returns a copy whose metadata map is not shared with s.
func (s Snapshot) Clone() Snapshot {
	s.Metadata = maps.Clone(s.Metadata)
	return s
}

// SnapshotStore is where sessions hydrate from and flush to. Get returns
// (nil, nil) when nothing is stored for id. A ttl of zero means no expiry.
type SnapshotStore interface {
	Get(ctx context.Context, id string) (*Snapshot, error)
	Set(ctx context.Context, id string, snap Snapshot, ttl time.Duration) error
	Close() error
}

// Leaser grants exclusive, expiring ownership of a document to one process.
type Leaser interface {
	// Acquire returns true when owner holds the lease afterwards, including
	// when it already held it.
	Acquire(ctx context.Context, id, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, id, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, id, owner string) error
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
	closed  bool
}

type memoryEntry struct {
	snap    Snapshot
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, id)
		return nil, nil
	}
	snap := e.snap.Clone()
	return &snap, nil
}

func (m *MemoryStore) Set(ctx context.Context, id string, snap Snapshot, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	e := memoryEntry{snap: snap.Clone()}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[id] = e
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
