package store

import (
	"fmt"
	"sort"
)

// migration is one ordered schema change. Migrations are embedded in the
// binary rather than read from disk so a deployed CLI has no companion
// files to lose.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{version: 1, name: "initial schema", sql: schemaV1},
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS learnings (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	content TEXT NOT NULL,
	keywords TEXT NOT NULL DEFAULT '[]',
	payload TEXT,
	confidence REAL NOT NULL,
	used_count INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_learnings_category ON learnings(category);

CREATE TABLE IF NOT EXISTS error_patterns (
	signature TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	sample_message TEXT NOT NULL,
	occurrences INTEGER NOT NULL DEFAULT 1,
	first_seen DATETIME NOT NULL,
	last_seen DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS error_fixes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	signature TEXT NOT NULL REFERENCES error_patterns(signature) ON DELETE CASCADE,
	description TEXT NOT NULL,
	patch TEXT,
	files_changed TEXT NOT NULL DEFAULT '[]',
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_error_fixes_signature ON error_fixes(signature);

CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	question TEXT NOT NULL,
	context TEXT,
	category TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	task_id TEXT,
	created_at DATETIME NOT NULL,
	resolved_at DATETIME,
	resolved_by TEXT,
	decision TEXT,
	reasoning TEXT,
	confidence REAL,
	outcome TEXT
);
CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status);

CREATE TABLE IF NOT EXISTS decision_overrides (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	decision_id TEXT NOT NULL REFERENCES decisions(id) ON DELETE CASCADE,
	override TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_overrides_decision ON decision_overrides(decision_id);

CREATE TABLE IF NOT EXISTS task_records (
	id TEXT PRIMARY KEY,
	batch_id TEXT,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_records_status ON task_records(status);
CREATE INDEX IF NOT EXISTS idx_task_records_batch ON task_records(batch_id);

CREATE TABLE IF NOT EXISTS attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	attempt_number INTEGER NOT NULL,
	model TEXT NOT NULL,
	complexity TEXT,
	started_at DATETIME NOT NULL,
	ended_at DATETIME,
	success INTEGER NOT NULL DEFAULT 0,
	error_kind TEXT,
	error_message TEXT,
	files_modified TEXT NOT NULL DEFAULT '[]',
	UNIQUE(task_id, attempt_number)
);
CREATE INDEX IF NOT EXISTS idx_attempts_task ON attempts(task_id);
CREATE INDEX IF NOT EXISTS idx_attempts_model ON attempts(model, complexity);

CREATE TABLE IF NOT EXISTS task_file_patterns (
	keyword TEXT NOT NULL,
	file TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (keyword, file)
);

CREATE TABLE IF NOT EXISTS keyword_stats (
	keyword TEXT PRIMARY KEY,
	task_count INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS co_modifications (
	file_a TEXT NOT NULL,
	file_b TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (file_a, file_b)
);

CREATE TABLE IF NOT EXISTS permanent_failures (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL UNIQUE,
	signature TEXT NOT NULL,
	category TEXT NOT NULL,
	sample_message TEXT,
	objective TEXT NOT NULL,
	last_model TEXT,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	files_attempted TEXT NOT NULL DEFAULT '[]',
	details TEXT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	goal TEXT,
	status TEXT NOT NULL DEFAULT 'running',
	tasks_total INTEGER NOT NULL DEFAULT 0,
	tasks_complete INTEGER NOT NULL DEFAULT 0,
	tasks_failed INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	ended_at DATETIME
);

CREATE TABLE IF NOT EXISTS checkpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	state TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_batch ON checkpoints(batch_id);
`

// migrate applies any migrations not yet recorded in schema_migrations.
// Each migration runs inside its own transaction.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := s.appliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	ordered := make([]migration, len(migrations))
	copy(ordered, migrations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].version < ordered[j].version })

	for _, m := range ordered {
		if applied[m.version] {
			continue
		}
		if err := s.runMigration(m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		s.logger.Debug("applied migration", "version", m.version, "name", m.name)
	}

	return nil
}

func (s *Store) appliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) runMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
