// ABOUTME: SQLite persistence for the relay using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema and applies idempotent migrations

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/fold-relay/internal/delivery"
)

// SQLiteStore is the durable delivery queue and sent-chunk ledger.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// writeMu serialises read-modify-write transactions so claims stay
	// exclusive across worker goroutines.
	writeMu sync.Mutex
}

var (
	_ delivery.Queue             = (*SQLiteStore)(nil)
	_ delivery.ConversationStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps per-connection pragmas in force and makes
	// SQLite's single-writer model explicit.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		-- One row per queued chunk. position orders each conversation's line.
		CREATE TABLE IF NOT EXISTS delivery_jobs (
			position         INTEGER PRIMARY KEY AUTOINCREMENT,
			id               TEXT NOT NULL UNIQUE,
			batch_id         TEXT NOT NULL,
			conversation_key TEXT NOT NULL,
			content          TEXT NOT NULL,
			sequence         INTEGER NOT NULL,
			total_chunks     INTEGER NOT NULL,
			is_last          INTEGER NOT NULL,
			scheduled_at     INTEGER NOT NULL,
			attempt          INTEGER NOT NULL DEFAULT 0,
			max_attempts     INTEGER NOT NULL,
			backoff_ms       INTEGER NOT NULL,
			backoff_kind     TEXT NOT NULL,
			state            TEXT NOT NULL,
			claim_token      TEXT,
			claimed_at       INTEGER,
			last_error       TEXT,
			created_at       INTEGER NOT NULL,

			CHECK (state IN ('pending', 'inflight', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_line
			ON delivery_jobs(conversation_key, position);
		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_due
			ON delivery_jobs(state, scheduled_at);

		-- Dead records for jobs that exhausted their attempts.
		CREATE TABLE IF NOT EXISTS delivery_failures (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id           TEXT NOT NULL,
			conversation_key TEXT NOT NULL,
			sequence         INTEGER NOT NULL,
			total_chunks     INTEGER NOT NULL,
			content          TEXT NOT NULL,
			attempts         INTEGER NOT NULL,
			error            TEXT NOT NULL,
			failed_at        INTEGER NOT NULL,
			resolution       TEXT,
			resolved_at      INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_delivery_failures_job
			ON delivery_failures(job_id);
		CREATE INDEX IF NOT EXISTS idx_delivery_failures_open
			ON delivery_failures(resolution, failed_at);

		-- Ledger of delivered chunks, one row per job.
		CREATE TABLE IF NOT EXISTS sent_chunks (
			job_id           TEXT PRIMARY KEY,
			batch_id         TEXT NOT NULL,
			conversation_key TEXT NOT NULL,
			sequence         INTEGER NOT NULL,
			total_chunks     INTEGER NOT NULL,
			content          TEXT NOT NULL,
			message_id       TEXT,
			sent_at          INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sent_chunks_conversation
			ON sent_chunks(conversation_key, sent_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "sent_chunks",
			column: "message_id",
			apply:  `ALTER TABLE sent_chunks ADD COLUMN message_id TEXT`,
		},
		{
			table:  "delivery_jobs",
			column: "backoff_kind",
			apply:  `ALTER TABLE delivery_jobs ADD COLUMN backoff_kind TEXT NOT NULL DEFAULT 'fixed'`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s column on %s: %w", m.column, m.table, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// Instants are stored as Unix milliseconds so SQL comparisons order them.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return fromMillis(ms.Int64)
}
