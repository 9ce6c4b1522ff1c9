// Package store implements the change store: an append-only log of
// mutations with per-entity monotonic version counters, backed by an
// embedded SQLite database.
//
// The store is the single synchronization point of the sync core. All
// components mutate entities only by submitting ChangeRecords through
// Append or Apply; version increments are atomic and auditable. A
// record whose base version does not match the entity's current version
// is reported as stale and must be routed through conflict resolution.
//
// Architecture:
//   - Database file: .weft/weft.db
//   - WAL mode: concurrent readers during writes
//   - Schema: entities, change_log, sync_cursors, provider_cursors,
//     conflicts, device_cursor tables
//
// Every successful Append/Apply emits a change notification consumed by
// the device sync coordinator and any API subscribers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with change-log functionality.
type Store struct {
	conn *sql.DB
	path string

	// mu serializes writes. SQLite allows one writer at a time anyway;
	// serializing here keeps the version check and the version bump in
	// a single critical section without relying on busy retries.
	mu sync.Mutex

	subs   *subscribers
	logger *log.Logger
}

// Open creates a store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent
// reads. The caller MUST call Close when done.
//
// Example:
//
//	st, err := store.Open(".weft/weft.db", nil)
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
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

	st := &Store{
		conn:   conn,
		path:   path,
		subs:   newSubscribers(),
		logger: logger,
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := st.conn.Exec(pragma); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	s.subs.closeAll()

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 2,
		tags TEXT,  -- JSON array
		version INTEGER NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL DEFAULT '',
		provider_links TEXT,  -- JSON object
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Append-only mutation log. One row per accepted change; ordering
	-- per entity is by base_version, which the version check keeps dense.
	CREATE TABLE IF NOT EXISTS change_log (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		base_version INTEGER NOT NULL,
		deltas TEXT NOT NULL,  -- JSON object
		origin TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (entity_id, base_version),
		FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
	);

	-- Per-(entity, provider) push bookkeeping.
	CREATE TABLE IF NOT EXISTS sync_cursors (
		entity_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT '',
		external_url TEXT NOT NULL DEFAULT '',
		pushed_version INTEGER NOT NULL DEFAULT 0,
		last_synced_at TEXT NOT NULL,
		PRIMARY KEY (entity_id, provider),
		FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
	);

	-- Per-provider pull bookmark (etag / since timestamp / page token).
	CREATE TABLE IF NOT EXISTS provider_cursors (
		provider TEXT PRIMARY KEY,
		etag TEXT NOT NULL DEFAULT '',
		since TEXT NOT NULL DEFAULT '',
		last_synced_at TEXT NOT NULL
	);

	-- Conflicts are retained for audit even after resolution.
	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		status TEXT NOT NULL,
		local_record TEXT NOT NULL,   -- JSON ChangeRecord
		remote_record TEXT NOT NULL,  -- JSON ChangeRecord
		outcome TEXT,                 -- JSON FieldDeltas
		review_fields TEXT,           -- JSON array
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);

	-- Durable relay resume point for this device.
	CREATE TABLE IF NOT EXISTS device_cursor (
		device_id TEXT PRIMARY KEY,
		last_sequence INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Durable relay publish point: the last change_log row the relay
	-- has confirmed durable. Everything past it is unpublished.
	CREATE TABLE IF NOT EXISTS publish_cursor (
		device_id TEXT PRIMARY KEY,
		last_log_id INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_status ON entities(status);
	CREATE INDEX IF NOT EXISTS idx_entities_version ON entities(version);
	CREATE INDEX IF NOT EXISTS idx_change_log_entity ON change_log(entity_id, base_version);
	CREATE INDEX IF NOT EXISTS idx_change_log_origin ON change_log(origin);
	CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status);
	CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON conflicts(entity_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}
