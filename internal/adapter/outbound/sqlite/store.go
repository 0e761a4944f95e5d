// Package sqlite implements the persistence ports on a single SQLite
// database: the append-only trace journal, transparency checkpoints,
// write-once evidence archives, incidents, approval workflows, policy
// revisions and exceptions, and replay runs and rollouts.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is the shared SQLite handle. One mutex serializes all reads and
// writes through the single connection; migrations run under the same mutex
// at startup.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and applies pending
// migrations. Any migration error aborts its transaction and fails startup.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open trace database: %w", err)
	}
	// A single connection keeps writes serialized at the driver level too.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Ping verifies the handle is usable.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.PingContext(ctx)
}

type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{version: 1, stmts: []string{
		`CREATE TABLE IF NOT EXISTS trace_events (
			event_id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL,
			arguments_hash TEXT NOT NULL,
			policy_version TEXT NOT NULL DEFAULT '',
			policy_decision TEXT NOT NULL,
			policy_reason TEXT NOT NULL DEFAULT '',
			matched_rule TEXT NOT NULL DEFAULT '',
			executed INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER,
			error TEXT NOT NULL DEFAULT '',
			is_write_action INTEGER NOT NULL DEFAULT 0,
			approval_token_present INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_events_session ON trace_events(session_id, timestamp)`,
		`CREATE TRIGGER IF NOT EXISTS trace_events_no_update
			BEFORE UPDATE ON trace_events
			BEGIN SELECT RAISE(ABORT, 'immutable'); END`,
		`CREATE TRIGGER IF NOT EXISTS trace_events_no_delete
			BEFORE DELETE ON trace_events
			BEGIN SELECT RAISE(ABORT, 'immutable'); END`,
	}},
	{version: 2, stmts: []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			incident_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			risk_score INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			released_by TEXT NOT NULL DEFAULT '',
			released_at TEXT
		)`,
		// One active incident per session, enforced at the storage layer.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_one_active
			ON incidents(session_id)
			WHERE status IN ('quarantined', 'revoked', 'failed')`,
		`CREATE TABLE IF NOT EXISTS incident_events (
			event_id TEXT PRIMARY KEY,
			incident_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
	}},
	{version: 3, stmts: []string{
		`CREATE TABLE IF NOT EXISTS taint_labels (
			session_id TEXT PRIMARY KEY,
			labels TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			session_id TEXT NOT NULL,
			root_hash TEXT NOT NULL,
			event_count INTEGER NOT NULL,
			anchored_at TEXT NOT NULL,
			anchor_source TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			response TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS evidence_archives (
			archive_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			format TEXT NOT NULL,
			payload BLOB NOT NULL,
			integrity_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(session_id, format, integrity_hash)
		)`,
		`CREATE TRIGGER IF NOT EXISTS evidence_archives_no_update
			BEFORE UPDATE ON evidence_archives
			BEGIN SELECT RAISE(ABORT, 'immutable'); END`,
		`CREATE TRIGGER IF NOT EXISTS evidence_archives_no_delete
			BEFORE DELETE ON evidence_archives
			BEGIN SELECT RAISE(ABORT, 'immutable'); END`,
	}},
	{version: 4, stmts: []string{
		`CREATE TABLE IF NOT EXISTS approval_workflows (
			workflow_id TEXT PRIMARY KEY,
			body TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS policy_exceptions (
			exception_id TEXT PRIMARY KEY,
			body TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS policy_revisions (
			revision_id TEXT PRIMARY KEY,
			body TEXT NOT NULL
		)`,
	}},
	{version: 5, stmts: []string{
		`CREATE TABLE IF NOT EXISTS replay_runs (
			run_id TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS replay_deltas (
			delta_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_replay_deltas_run ON replay_deltas(run_id)`,
		`CREATE TABLE IF NOT EXISTS rollouts (
			rollout_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			baseline_version TEXT NOT NULL,
			candidate_version TEXT NOT NULL,
			body TEXT NOT NULL,
			UNIQUE(tenant_id, baseline_version, candidate_version)
		)`,
	}},
}

// migrate applies all pending migrations in order, each inside a transaction;
// on error the transaction aborts and the ledger is not advanced.
func (s *Store) migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create migration ledger: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read migration ledger: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		s.logger.Info("applied schema migration", "version", m.version)
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))`,
		m.version); err != nil {
		return err
	}
	return tx.Commit()
}
