// Package storage defines the snapshot persistence collaborator.
//
// The indexing core only requires atomic get/set-by-key semantics; the
// concrete technology (flat files, PostgreSQL, Redis, memory) is pluggable.
package storage

import (
	"context"
	"errors"

	"github.com/chainpulse/indexer/internal/core/domain"
)

// ErrNotFound is returned by Get when no snapshot exists for a key.
var ErrNotFound = errors.New("snapshot not found")

// SnapshotStore persists session snapshots keyed by user ID. Set must be
// atomic per key; transient unavailability is surfaced as an error and the
// caller decides whether to retry.
type SnapshotStore interface {
	// Get returns the snapshot for a key, or ErrNotFound.
	Get(ctx context.Context, key string) (*domain.SessionSnapshot, error)

	// Set stores the snapshot for a key atomically.
	Set(ctx context.Context, key string, snap *domain.SessionSnapshot) error

	// Close releases underlying resources.
	Close() error
}
