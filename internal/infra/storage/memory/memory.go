// Package memory implements an in-process snapshot store for tests and
// ephemeral runs.
package memory

import (
	"context"
	"sync"

	"github.com/chainpulse/indexer/internal/core/domain"
	"github.com/chainpulse/indexer/internal/infra/storage"
)

// Store keeps snapshots in a mutex-guarded map.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]*domain.SessionSnapshot
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{snapshots: make(map[string]*domain.SessionSnapshot)}
}

// Get returns a copy of the snapshot for a key.
func (s *Store) Get(ctx context.Context, key string) (*domain.SessionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *snap
	return &c, nil
}

// Set stores a copy of the snapshot for a key.
func (s *Store) Set(ctx context.Context, key string, snap *domain.SessionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *snap
	s.snapshots[key] = &c
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
