// CLAUDE:SUMMARY SQLite store for spied pages and the history of active-element changes.
// Package store persists domspy pages and active-element changes in SQLite.
//
// The database is opened with the production pragmas (WAL, busy timeout,
// foreign keys) applied via EXEC, so any database/sql SQLite driver works.
// The default driver is modernc.org/sqlite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Schema creates the domspy tables.
const Schema = `
CREATE TABLE IF NOT EXISTS spy_pages (
	id          TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	container   TEXT NOT NULL DEFAULT 'body',
	selector    TEXT NOT NULL DEFAULT '',
	root_margin TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'active',
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS active_changes (
	id          TEXT PRIMARY KEY,
	page_id     TEXT NOT NULL,
	page_url    TEXT NOT NULL,
	active_id   TEXT NOT NULL,
	previous_id TEXT NOT NULL DEFAULT '',
	seq         INTEGER NOT NULL,
	generation  INTEGER NOT NULL,
	created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_active_changes_page ON active_changes(page_id, created_at);
`

// Store wraps the domspy database.
type Store struct {
	db *sql.DB
}

type openConfig struct {
	busyTimeout int
	mkdirAll    bool
}

// Option customises Open.
type Option func(*openConfig)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *openConfig) { c.busyTimeout = ms } }

// WithMkdirAll creates the parent directories of the database file.
func WithMkdirAll() Option { return func(c *openConfig) { c.mkdirAll = true } }

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := openConfig{busyTimeout: 10_000}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store for tests. All queries share one
// connection, since every ":memory:" connection is a separate database.
func OpenMemory(t testing.TB) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}
	s.db.SetMaxOpenConns(1)
	t.Cleanup(func() { s.Close() })
	return s
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
