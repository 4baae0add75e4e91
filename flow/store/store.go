// Package store provides durable persistence for execution snapshots.
//
// The engine serializes a snapshot (document, trace, totals, next state)
// into opaque bytes; stores only move those bytes. Backends exist for
// in-memory use, SQLite, MySQL, and Redis.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a snapshot id does not exist or has
// expired.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is one durable execution snapshot. Data is opaque to the
// store; the engine owns the serialization format.
type Snapshot struct {
	// ID is the checkpoint or resume-token id the snapshot is keyed by.
	ID string

	// Data is the serialized execution snapshot.
	Data []byte

	// Compressed marks Data as gzip-compressed.
	Compressed bool

	// CreatedAt is when the snapshot was written.
	CreatedAt time.Time

	// ExpiresAt bounds the snapshot's lifetime; zero means never.
	ExpiresAt time.Time
}

// expired reports whether the snapshot is past its TTL at now.
func (s Snapshot) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Store persists snapshots keyed by id.
//
// Implementations must be safe for concurrent use. Put replaces any
// existing snapshot under the same id. Get must not return expired
// snapshots. Expire removes every snapshot past its TTL so hosts can
// sweep periodically; backends with native expiry may make it a no-op.
type Store interface {
	Put(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, id string) (Snapshot, error)
	Delete(ctx context.Context, id string) error
	Expire(ctx context.Context) error
	Close() error
}
