// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Config configures the SQLite-backed Store.
type Config struct {
	// Path is the database file path. ":memory:" is accepted for
	// tests; production deployments always point this at
	// db.sqlite under the data directory (spec.md §6 layout).
	Path string

	// NonceExpiry is how long a consumed nonce is retained before
	// the sweep prunes it. Default 600s per spec.md §4.1.
	NonceExpiry time.Duration

	// RunRetention, if non-zero, is how long a finished Run (and
	// its cascaded Events/Commands/Artifacts) is kept before the
	// sweep deletes it, per the RUN_RETENTION_DAYS environment
	// variable in spec.md §6. Zero disables retention pruning.
	RunRetention time.Duration

	Logger *slog.Logger
}

// Store is the durable, transactional record described by spec.md §3.
// All mutating operations run through explicit transactions; reads
// use the pool directly and may observe pre-commit state from a
// concurrent writer, per spec.md §4.2's lock-free-reads design.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	sweepDone chan struct{}
	sweepStop chan struct{}
}

// Open creates or opens the SQLite database at cfg.Path, runs
// migrations, and returns a ready Store. Call Close when done; call
// StartSweep separately to begin the once-a-minute background sweep
// (spec.md §4.2, §9 "Timers and sweeps").
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	if cfg.NonceExpiry == 0 {
		cfg.NonceExpiry = 600 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	} else {
		connStr += "?_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// A single writer at a time is the design (spec.md §4.2); for an
	// in-memory database every connection must share that one
	// writer's page cache, so we additionally cap to one connection
	// total there. For file-backed WAL, readers can run concurrently
	// so the pool may grow.
	if cfg.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
	}
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	s := &Store{db: db, cfg: cfg, logger: cfg.Logger.With("component", "store")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id               TEXT PRIMARY KEY,
			status           TEXT NOT NULL,
			worker_type      TEXT NOT NULL,
			model            TEXT NOT NULL DEFAULT '',
			initial_command  TEXT NOT NULL DEFAULT '',
			working_dir      TEXT NOT NULL DEFAULT '',
			client_id        TEXT NOT NULL DEFAULT '',
			capability_token TEXT NOT NULL,
			metadata         TEXT NOT NULL DEFAULT '{}',
			exit_code        INTEGER,
			error            TEXT NOT NULL DEFAULT '',
			created_at       INTEGER NOT NULL,
			started_at       INTEGER,
			finished_at      INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_client ON runs(client_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,

		`CREATE TABLE IF NOT EXISTS events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			type         TEXT NOT NULL,
			data         BLOB NOT NULL,
			producer_seq INTEGER,
			created_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id, id)`,

		`CREATE TABLE IF NOT EXISTS commands (
			id         TEXT PRIMARY KEY,
			run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			payload    TEXT NOT NULL,
			status     TEXT NOT NULL,
			result     TEXT NOT NULL DEFAULT '',
			error      TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			acked_at   INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commands_run_created ON commands(run_id, created_at, id)`,

		`CREATE TABLE IF NOT EXISTS artifacts (
			id         TEXT PRIMARY KEY,
			run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			name       TEXT NOT NULL,
			mime_type  TEXT NOT NULL DEFAULT '',
			byte_size  INTEGER NOT NULL,
			path       TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id)`,

		`CREATE TABLE IF NOT EXISTS nonces (
			nonce      TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nonces_created ON nonces(created_at)`,

		`CREATE TABLE IF NOT EXISTS alerts (
			id              TEXT PRIMARY KEY,
			run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			message         TEXT NOT NULL,
			acknowledged    INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			acknowledged_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_run ON alerts(run_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS clients (
			id               TEXT PRIMARY KEY,
			display_name     TEXT NOT NULL DEFAULT '',
			agent_id         TEXT NOT NULL DEFAULT '',
			last_seen        INTEGER NOT NULL,
			status           TEXT NOT NULL,
			operator_enabled INTEGER NOT NULL DEFAULT 1,
			capabilities     TEXT NOT NULL DEFAULT '[]'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// Ping reports whether the underlying database connection is alive,
// for the health endpoint's connectivity check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops any running sweep and closes the underlying database.
func (s *Store) Close() error {
	s.StopSweep()
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on nil error and
// rolling back otherwise. Every mutating Store method goes through
// this, per spec.md §4.2's "all mutating operations are wrapped in
// ... explicit transactions."
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
