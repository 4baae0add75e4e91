package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore persists snapshots in MySQL for multi-process hosts that
// resume executions across machines.
//
// The DSN follows go-sql-driver conventions, e.g.
// "user:pass@tcp(localhost:3306)/stateflow?parseTime=true".
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects to MySQL and migrates the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS flow_snapshots (
			id VARCHAR(255) PRIMARY KEY,
			data LONGBLOB NOT NULL,
			compressed TINYINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0
		) ENGINE=InnoDB
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &MySQLStore{db: db}, nil
}

// Put upserts the snapshot.
func (s *MySQLStore) Put(ctx context.Context, snap Snapshot) error {
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
		ON DUPLICATE KEY UPDATE
			data = VALUES(data),
			compressed = VALUES(compressed),
			created_at = VALUES(created_at),
			expires_at = VALUES(expires_at)
	`, snap.ID, snap.Data, boolToInt(snap.Compressed), snap.CreatedAt.UnixNano(), expires)
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// Get loads the snapshot under id, dropping it if expired.
func (s *MySQLStore) Get(ctx context.Context, id string) (Snapshot, error) {
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
func (s *MySQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM flow_snapshots WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	return nil
}

// Expire removes every snapshot past its TTL in one sweep.
func (s *MySQLStore) Expire(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM flow_snapshots WHERE expires_at != 0 AND expires_at < ?`,
		time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("expire snapshots: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
