// Package store is the device-resident persistent cache of document
// snapshots, keyed by room. It lets a client keep editing offline and
// rehydrate without the relay. A storage failure degrades durability, not
// correctness: callers log and carry on with the in-memory document.
package store

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists one base64-encoded automerge snapshot per room.
type Store struct {
	db *sql.DB
}

// Open opens (and initializes if needed) the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS documents (
		id text not null primary key,
		content text not null,
		updated_at integer not null
		)`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ensure tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Load returns the saved snapshot for the room, or nil if none exists.
func (s *Store) Load(room string) ([]byte, error) {
	var content string
	if err := s.db.QueryRow(`SELECT content FROM documents WHERE id = ?`, room).Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return raw, nil
}

// Save upserts the room's snapshot. Unchanged content is left alone so the
// write-behind ticker does not churn the file.
func (s *Store) Save(room string, snapshot []byte) error {
	content := base64.StdEncoding.EncodeToString(snapshot)
	if _, err := s.db.Exec(
		`INSERT INTO documents (id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
		WHERE documents.content != excluded.content`,
		room, content, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
