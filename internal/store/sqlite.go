// ABOUTME: SQLite implementation of the store interfaces using modernc.org/sqlite
// ABOUTME: Provides schema creation, idempotent migrations, and shared helpers

package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so stored timestamps compare correctly as strings.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the store interfaces using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// busy_timeout lets concurrent writers on separate pool connections wait
	// for the lock instead of failing with SQLITE_BUSY.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
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
		CREATE TABLE IF NOT EXISTS connectors (
			id               TEXT PRIMARY KEY,
			owner_id         TEXT NOT NULL,
			name             TEXT NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			endpoint         TEXT NOT NULL,
			auth_mode        TEXT NOT NULL,
			credential_blob  TEXT,
			active           INTEGER NOT NULL DEFAULT 1,
			verified         INTEGER NOT NULL DEFAULT 0,
			tools_json       TEXT NOT NULL DEFAULT '[]',
			last_verified_at TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,

			CHECK (auth_mode IN ('none', 'oauth', 'api_key'))
		);

		CREATE INDEX IF NOT EXISTS idx_connectors_owner ON connectors(owner_id);
		CREATE INDEX IF NOT EXISTS idx_connectors_owner_active ON connectors(owner_id, active);

		CREATE TABLE IF NOT EXISTS sessions (
			id                 TEXT PRIMARY KEY,
			owner_id           TEXT NOT NULL,
			turns_json         TEXT NOT NULL DEFAULT '[]',
			pending_json       TEXT,
			pending_expires_at TEXT,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_pending_expires ON sessions(pending_expires_at);

		CREATE TABLE IF NOT EXISTS oauth_states (
			state_hash     TEXT PRIMARY KEY,
			owner_id       TEXT NOT NULL,
			provider_id    TEXT NOT NULL,
			connector_name TEXT NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			endpoint       TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			expires_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_oauth_states_expires ON oauth_states(expires_at);

		CREATE TABLE IF NOT EXISTS records (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			kind       TEXT NOT NULL,
			data_json  TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_records_owner_kind ON records(owner_id, kind, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "connectors",
			column: "provider_id",
			apply:  `ALTER TABLE connectors ADD COLUMN provider_id TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "sessions",
			column: "metadata_json",
			apply:  `ALTER TABLE sessions ADD COLUMN metadata_json TEXT NOT NULL DEFAULT '{}'`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
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

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// hashToken returns the hex SHA-256 of a bearer value so raw tokens never hit disk.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

var (
	_ ConnectorStore  = (*SQLiteStore)(nil)
	_ SessionStore    = (*SQLiteStore)(nil)
	_ OAuthStateStore = (*SQLiteStore)(nil)
	_ RecordStore     = (*SQLiteStore)(nil)
)
