// Package store provides the embedded persistence layer backing the task
// board, learning subsystems, decision tracker, and batch bookkeeping. All
// durable state lives in a single SQLite database inside the state directory
// (.undercity/undercity.db), opened in WAL mode so readers never block the
// writer. Side files that must stay greppable JSON (rate-limit state, live
// metrics, daemon descriptor) go through the atomic writer in atomic.go
// instead of the database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/undercity-dev/undercity/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// DBFileName is the database file inside the state directory.
const DBFileName = "undercity.db"

// Store wraps the SQLite database and exposes typed access to each table.
// A single connection serializes writers, which keeps concurrent workers
// from tripping over SQLITE_BUSY.
type Store struct {
	db     *sql.DB
	path   string
	logger *logging.Logger
}

// Open opens (creating if necessary) the database at path, applies pending
// migrations, and imports legacy JSON side files the first time their
// tables are empty. A nil logger is replaced with a no-op logger.
func Open(path string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, path: path, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := s.importLegacy(filepath.Dir(path)); err != nil {
		// Legacy import is best-effort: a broken side file must not keep
		// the store from opening.
		logger.Warn("legacy state import failed", "error", err.Error())
	}

	return s, nil
}

// OpenInDir opens the database at its standard location inside stateDir.
func OpenInDir(stateDir string, logger *logging.Logger) (*Store, error) {
	return Open(filepath.Join(stateDir, DBFileName), logger)
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// -----------------------------------------------------------------------------
// JSON column helpers
// -----------------------------------------------------------------------------

// encodeStrings marshals a string slice for a TEXT column. Nil encodes as
// the empty list so columns never hold NULL.
func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// decodeStrings unmarshals a TEXT column into a string slice. Corrupt or
// empty values decode as nil rather than failing the row.
func decodeStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	return values
}

// encodeMap marshals an arbitrary payload for a TEXT column.
func encodeMap(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(data)
}

// decodeMap unmarshals a payload column, tolerating corruption.
func decodeMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}
	return payload
}

// nullableTime converts an optional timestamp for binding.
func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

// nullableString converts an optional string for binding.
func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
