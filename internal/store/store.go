// Package store persists the channel registry and the append-only
// telemetry log in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrChannelNotFound is returned when no channel has the given id.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrUserNotFound is returned when an API key or user id is unknown.
	ErrUserNotFound = errors.New("user not found")
)

// Store holds users, channels and telemetry entries. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates a store at the given database path using the sqlite3
// driver. The schema is created automatically on first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing database handle and migrates the schema.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate store schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		api_key    TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS channels (
		channel_id   TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		project_name TEXT NOT NULL,
		description  TEXT,
		fields_json  TEXT,
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_channels_user ON channels(user_id);
	CREATE TABLE IF NOT EXISTS telemetry (
		id          TEXT PRIMARY KEY,
		channel_id  TEXT NOT NULL,
		data_json   TEXT NOT NULL,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_channel_time ON telemetry(channel_id, recorded_at);
	`
	_, err := s.db.Exec(schema)
	return err
}
