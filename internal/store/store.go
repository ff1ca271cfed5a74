package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "kernel-v1-messages-jobs-outbox-crons-events-logs"
)

// Store is the single source of truth: every worker reads and writes
// through it, never holding state across transactions beyond the
// in-memory handles documented in their own packages.
type Store struct {
	db *sql.DB
}

// DefaultDBPath mirrors the kernel home convention: ~/.kernel/kernel.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".kernel", "kernel.db")
}

// Open creates (if absent) and migrates the SQLite-backed store at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single active connection: SQLite allows one writer at a time, and
	// the claim pattern below depends on seeing its own uncommitted work
	// within a transaction, not on connection-pool concurrency.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// retryOnBusy retries f while SQLite reports BUSY/LOCKED, with exponential
// backoff and jitter. This, plus the driver's own busy_timeout, is what
// gives claim transactions their "never claimed twice" guarantee without
// a SKIP LOCKED equivalent: a losing transaction simply retries against
// the row set as it now stands.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&checksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if checksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch: got %q want %q", checksum, schemaChecksum)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			platform_id TEXT NOT NULL UNIQUE,
			platform_chat_id TEXT NOT NULL,
			platform_sender_id TEXT NOT NULL,
			direction TEXT NOT NULL CHECK(direction IN ('in','out')),
			content TEXT,
			attachments TEXT NOT NULL DEFAULT '[]',
			content_version INTEGER NOT NULL DEFAULT 1,
			audit_processed_version INTEGER NOT NULL DEFAULT 0,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			embedding BLOB,
			reply_to_message_id TEXT,
			job_id TEXT,
			routed_at DATETIME,
			audit_processed_at DATETIME,
			trace_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL CHECK(kind IN ('action','chat','schedule')),
			chat_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('draft','pending','running','done','failed','paused','cancelled')),
			prompt TEXT NOT NULL,
			enriched_prompt TEXT,
			source_ids TEXT NOT NULL DEFAULT '[]',
			resume_input TEXT,
			output TEXT,
			error TEXT,
			cancel_reason TEXT,
			question_pending TEXT,
			run_handle TEXT,
			trace_id TEXT NOT NULL,
			started_at DATETIME,
			finished_at DATETIME,
			last_heartbeat_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			content TEXT,
			attachments TEXT NOT NULL DEFAULT '[]',
			job_id TEXT,
			reply_to TEXT,
			reply_to_message_id TEXT,
			trace_id TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			rewritten_at DATETIME,
			processed_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS crons (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			schedule TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			chat_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at DATETIME,
			next_run_at DATETIME,
			last_job_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS chat_subscriptions (
			chat_id TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 1,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL,
			source TEXT NOT NULL,
			action TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			stream TEXT NOT NULL CHECK(stream IN ('stdout','stderr')),
			line TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_direction_routed ON messages(direction, routed_at, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(platform_chat_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_audit ON messages(audit_processed_version, content_version, is_deleted, audit_processed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_chat_status ON jobs(chat_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_heartbeat ON jobs(status, last_heartbeat_at);`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_rewrite ON outbox(rewritten_at, processed_at, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_deliver ON outbox(processed_at, rewritten_at, attempt_count, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_crons_due ON crons(enabled, next_run_at);`,
		`CREATE INDEX IF NOT EXISTS idx_events_trace ON events(trace_id);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_job ON logs(job_id, created_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	return tx.Commit()
}
