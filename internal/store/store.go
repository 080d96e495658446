// Package store persists sessions, checkpoints, routing mappings, run
// history, delivery-context cache entries, and scheduler state in a single
// SQLite database, following the same pure-Go driver approach the
// reference stack's vector memory backend uses.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/nexuscore/autopilot/internal/errs"
)

// Store wraps one *sql.DB shared by every narrow store in this package.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// the schema migrations. path may be ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &errs.StoreError{Op: "store.open", Err: err}
	}
	db.SetMaxOpenConns(1) // SQLite: serialize writers through one connection.

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, &errs.StoreError{Op: "store.pragma_wal", Err: err}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, &errs.StoreError{Op: "store.pragma_fk", Err: err}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id   TEXT PRIMARY KEY,
	title        TEXT NOT NULL DEFAULT '',
	active_checkpoint_id TEXT,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	checkpoint_id TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	run_id        TEXT,
	parent_id     TEXT,
	signature     TEXT NOT NULL,
	envelope_json TEXT NOT NULL,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id);

CREATE TABLE IF NOT EXISTS routing_mappings (
	routing_key    TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL,
	title          TEXT NOT NULL DEFAULT '',
	delivery_json  TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS delivery_context_cache (
	channel    TEXT NOT NULL,
	target_key TEXT NOT NULL,
	context_json TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	PRIMARY KEY (channel, target_key)
);

CREATE TABLE IF NOT EXISTS runs (
	run_id            TEXT PRIMARY KEY,
	schedule_name     TEXT NOT NULL,
	status            TEXT NOT NULL,
	started_at        TEXT NOT NULL,
	finished_at       TEXT,
	exit_code         INTEGER,
	session_id        TEXT,
	checkpoint_id     TEXT,
	stdout            TEXT,
	stderr            TEXT,
	check_exit_code   INTEGER,
	check_stdout      TEXT,
	check_stderr      TEXT,
	check_timed_out   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_schedule ON runs(schedule_name);

CREATE TABLE IF NOT EXISTS scheduler_state (
	id              INTEGER PRIMARY KEY CHECK (id = 1),
	pid             INTEGER NOT NULL,
	start_time      TEXT NOT NULL,
	last_heartbeat  TEXT NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return &errs.StoreError{Op: "store.migrate", Err: fmt.Errorf("applying schema: %w", err)}
	}
	return nil
}
