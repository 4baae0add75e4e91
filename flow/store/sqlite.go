package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists snapshots in a single-file SQLite database.
//
// Designed for development and single-process hosts: zero setup, WAL
// mode for concurrent reads, one writer at a time. Use ":memory:" for a
// throwaway database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at path and
// migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS flow_snapshots (
			id TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			compressed INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Put upserts the snapshot.
func (s *SQLiteStore) Put(ctx context.Context, snap Snapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	var expires int64
	if !snap.ExpiresAt.IsZero() {
		expires = snap.ExpiresAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_snapshots (id, data, compressed, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			compressed = excluded.compressed,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, snap.ID, snap.Data, boolToInt(snap.Compressed), snap.CreatedAt.UnixNano(), expires)
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// Get loads the snapshot under id, dropping it if expired.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data, compressed, created_at, expires_at
		FROM flow_snapshots WHERE id = ?
	`, id)

	var data []byte
	var compressed int
	var created, expires int64
	if err := row.Scan(&data, &compressed, &created, &expires); err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("get snapshot %s: %w", id, err)
	}

	snap := Snapshot{
		ID:         id,
		Data:       data,
		Compressed: compressed != 0,
		CreatedAt:  time.Unix(0, created),
	}
	if expires != 0 {
		snap.ExpiresAt = time.Unix(0, expires)
	}
	if snap.expired(time.Now()) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM flow_snapshots WHERE id = ?`, id)
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

// Delete removes the snapshot under id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM flow_snapshots WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	return nil
}

// Expire removes every snapshot past its TTL in one sweep.
func (s *SQLiteStore) Expire(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM flow_snapshots WHERE expires_at != 0 AND expires_at < ?`,
		time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("expire snapshots: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
