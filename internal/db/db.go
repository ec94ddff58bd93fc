package db

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors surfaced by the store. Callers distinguish a run that
// was never saved (ErrNotFound) from one whose snapshot is unreadable
// (ErrCorruptState) — corruption must never be treated as "run doesn't
// exist yet".
var (
	ErrNotFound     = errors.New("run not found")
	ErrCorruptState = errors.New("corrupt run state")
	ErrRunActive    = errors.New("another run is active")
	ErrLockHeld     = errors.New("lock held")
)

// DB owns the single connection to the checkpoint store.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the store at path. The pool is pinned to a
// single connection: sqlite serializes writers anyway, and one handle
// keeps WAL checkpointing predictable for a CLI that runs one
// operation per invocation.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	for _, pragma := range []string{"journal_mode=WAL", "foreign_keys=ON"} {
		if _, err := conn.Exec("PRAGMA " + pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set pragma %s: %w", pragma, err)
		}
	}
	return &DB{conn: conn}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS checkpoints (
    run_id     TEXT PRIMARY KEY,
    kind       TEXT NOT NULL CHECK(kind IN ('run','sequence')),
    version    INTEGER NOT NULL,
    state      TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT '',
    next_node  TEXT NOT NULL DEFAULT '',
    wait_role  TEXT NOT NULL DEFAULT '',
    wait_actor TEXT NOT NULL DEFAULT '',
    inbox_path TEXT NOT NULL DEFAULT '',
    pending    BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status, updated_at DESC);

CREATE TABLE IF NOT EXISTS active_run (
    id          INTEGER PRIMARY KEY CHECK(id = 1),
    run_id      TEXT NOT NULL,
    acquired_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS locks (
    key         TEXT PRIMARY KEY,
    owner       TEXT NOT NULL,
    ttl_sec     INTEGER NOT NULL DEFAULT 0,
    acquired_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    node       TEXT NOT NULL,
    event      TEXT NOT NULL,
    detail     TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id);
`

// Migrate brings the schema to the current version. Running it against
// an already-migrated store is a no-op.
func (d *DB) Migrate() error {
	var n int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&n)
	if err == nil && n > 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(storeSchema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("mark schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops every table and rebuilds the schema from scratch.
func (d *DB) Reset() error {
	for _, name := range []string{"events", "locks", "active_run", "checkpoints", "schema_version"} {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + name); err != nil {
			return fmt.Errorf("drop %s: %w", name, err)
		}
	}
	return d.Migrate()
}
