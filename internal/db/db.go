// Package db provides SQLite persistence for the sync engine.
//
// The database runs embedded (ncruces/go-sqlite3, WASM build of SQLite)
// with WAL so readers proceed during writes.
//
// Tables:
//   - versions: append-only version history with content snapshots
//   - records: the canonical state pulled by devices
//   - conflicts: detected conflicts, resolved or awaiting a person
//   - offline_operations: persisted offline queues
//   - devices: known devices per user
//   - backlog: real-time updates kept for reconnecting devices
//
// DB implements version.Store, canonstore.Store, conflict.Repository,
// queue.Persister, device.Store and realtime.BacklogStore.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/learnsync/learnsync/internal/sync/version"
)

// timeFormat is fixed width so stored times sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// DB wraps the SQLite connection.
type DB struct {
	conn  *sql.DB
	path  string
	now   func() time.Time
	newID func() string
}

// Option configures a DB.
type Option func(*DB)

// WithClock sets the clock used for commit times and default version
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// WithIDGenerator sets how version ids are minted.
func WithIDGenerator(newID func() string) Option {
	return func(db *DB) { db.newID = newID }
}

// Open creates a database connection at path, creating the file and its
// parent directory when missing. The caller must Close it.
//
// Example:
//
//	database, err := db.Open(".learnsync/sync.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(path string, opts ...Option) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Transactions take the write lock when they begin.
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_txlock=immediate", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path, now: time.Now, newID: version.NewID}
	for _, opt := range opts {
		opt(db)
	}

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// RawDB returns the underlying connection.
func (db *DB) RawDB() *sql.DB { return db.conn }

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the tables and indexes. It is idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS versions (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		data_type TEXT NOT NULL,
		number INTEGER NOT NULL,
		timestamp TEXT NOT NULL,
		device_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		checksum TEXT NOT NULL,
		changed_fields TEXT NOT NULL DEFAULT '[]',  -- JSON array
		previous_version_id TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL,  -- canonical JSON
		UNIQUE (record_id, number)
	);

	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		data_type TEXT NOT NULL,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		version_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		device_id TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		body TEXT NOT NULL  -- JSON DataConflict
	);

	CREATE TABLE IF NOT EXISTS offline_operations (
		queue_key TEXT NOT NULL,
		id TEXT NOT NULL,
		position INTEGER NOT NULL,
		body TEXT NOT NULL,  -- JSON OfflineOperation
		PRIMARY KEY (queue_key, id)
	);

	CREATE TABLE IF NOT EXISTS devices (
		user_id TEXT NOT NULL,
		id TEXT NOT NULL,
		class TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL DEFAULT '',
		app_version TEXT NOT NULL DEFAULT '',
		first_seen TEXT NOT NULL,
		last_seen TEXT NOT NULL,
		online INTEGER NOT NULL DEFAULT 0,
		expired INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, id)
	);

	CREATE TABLE IF NOT EXISTS backlog (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		body TEXT NOT NULL  -- JSON RealtimeUpdate
	);

	CREATE INDEX IF NOT EXISTS idx_versions_record ON versions(record_id, number);
	CREATE INDEX IF NOT EXISTS idx_records_user_updated ON records(user_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_conflicts_open ON conflicts(user_id, resolved, created_at);
	CREATE INDEX IF NOT EXISTS idx_offline_operations_order ON offline_operations(queue_key, position);
	CREATE INDEX IF NOT EXISTS idx_backlog_user_created ON backlog(user_id, created_at);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
