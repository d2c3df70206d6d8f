package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/undercity-dev/undercity/internal/errors"
)

// -----------------------------------------------------------------------------
// Task records
// -----------------------------------------------------------------------------

// SaveTask inserts or replaces a task record by id.
func (s *Store) SaveTask(ctx context.Context, t *TaskRecord) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_records (id, batch_id, status, priority, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			batch_id = excluded.batch_id,
			status = excluded.status,
			priority = excluded.priority,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		t.ID, nullableString(t.BatchID), t.Status, t.Priority, t.CreatedAt, t.UpdatedAt, string(t.Data))
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// DeleteTask removes a task record by id. Deleting an absent id is not
// an error.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// GetTask retrieves a task record by id.
func (s *Store) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, status, priority, created_at, updated_at, data
		FROM task_records WHERE id = ?`, id)

	t, err := scanTaskRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListTasks returns task records, optionally filtered by batch and by
// status set, ordered by priority descending then insertion order.
func (s *Store) ListTasks(ctx context.Context, batchID string, statuses ...string) ([]TaskRecord, error) {
	query := `
		SELECT id, batch_id, status, priority, created_at, updated_at, data
		FROM task_records`
	var clauses []string
	var args []any
	if batchID != "" {
		clauses = append(clauses, `batch_id = ?`)
		args = append(args, batchID)
	}
	if len(statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
		clauses = append(clauses, `status IN (`+placeholders+`)`)
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []TaskRecord
	for rows.Next() {
		t, err := scanTaskRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// CountTasksByStatus returns status → count over the whole board, or only
// for one batch when batchID is non-empty.
func (s *Store) CountTasksByStatus(ctx context.Context, batchID string) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM task_records`
	args := []any{}
	if batchID != "" {
		query += ` WHERE batch_id = ?`
		args = append(args, batchID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func scanTaskRecord(row rowScanner) (*TaskRecord, error) {
	var t TaskRecord
	var batchID sql.NullString
	var data string
	if err := row.Scan(&t.ID, &batchID, &t.Status, &t.Priority, &t.CreatedAt, &t.UpdatedAt, &data); err != nil {
		return nil, err
	}
	t.BatchID = batchID.String
	t.Data = []byte(data)
	return &t, nil
}

// -----------------------------------------------------------------------------
// Attempts
// -----------------------------------------------------------------------------

// AppendAttempt records one execution attempt. When Number is zero the
// store assigns the next number for the task; the assigned number and row
// id are written back to the attempt.
func (s *Store) AppendAttempt(ctx context.Context, a *Attempt) error {
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO attempts (task_id, attempt_number, model, complexity, started_at, ended_at, success, error_kind, error_message, files_modified)
		VALUES (?,
			CASE WHEN ? > 0 THEN ?
			ELSE COALESCE((SELECT MAX(attempt_number) FROM attempts WHERE task_id = ?), 0) + 1 END,
			?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id, attempt_number`,
		a.TaskID, a.Number, a.Number, a.TaskID,
		a.Model, nullableString(a.Complexity), a.StartedAt, nullableTime(a.EndedAt),
		a.Success, nullableString(a.ErrorKind), nullableString(a.ErrorMessage), encodeStrings(a.FilesModified))
	if err := row.Scan(&a.ID, &a.Number); err != nil {
		return fmt.Errorf("failed to append attempt: %w", err)
	}
	return nil
}

// ListAttempts returns a task's attempts in order.
func (s *Store) ListAttempts(ctx context.Context, taskID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, attempt_number, model, complexity, started_at, ended_at, success, error_kind, error_message, files_modified
		FROM attempts WHERE task_id = ? ORDER BY attempt_number ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// ModelSuccessRate returns (successes, total) attempts for a model at a
// complexity level. Empty complexity aggregates across levels.
func (s *Store) ModelSuccessRate(ctx context.Context, model, complexity string) (int, int, error) {
	query := `SELECT COALESCE(SUM(success), 0), COUNT(*) FROM attempts WHERE model = ?`
	args := []any{model}
	if complexity != "" {
		query += ` AND complexity = ?`
		args = append(args, complexity)
	}

	var successes, total int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&successes, &total); err != nil {
		return 0, 0, fmt.Errorf("failed to compute success rate: %w", err)
	}
	return successes, total, nil
}

func scanAttempt(row rowScanner) (*Attempt, error) {
	var a Attempt
	var complexity, errorKind, errorMessage sql.NullString
	var endedAt sql.NullTime
	var files string
	if err := row.Scan(&a.ID, &a.TaskID, &a.Number, &a.Model, &complexity, &a.StartedAt,
		&endedAt, &a.Success, &errorKind, &errorMessage, &files); err != nil {
		return nil, err
	}
	a.Complexity = complexity.String
	a.ErrorKind = errorKind.String
	a.ErrorMessage = errorMessage.String
	if endedAt.Valid {
		t := endedAt.Time
		a.EndedAt = &t
	}
	a.FilesModified = decodeStrings(files)
	return &a, nil
}

// -----------------------------------------------------------------------------
// Batches
// -----------------------------------------------------------------------------

// SaveBatch inserts or replaces a batch row.
func (s *Store) SaveBatch(ctx context.Context, b *Batch) error {
	if b.StartedAt.IsZero() {
		b.StartedAt = time.Now().UTC()
	}
	if b.Status == "" {
		b.Status = BatchRunning
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (id, goal, status, tasks_total, tasks_complete, tasks_failed, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			goal = excluded.goal,
			status = excluded.status,
			tasks_total = excluded.tasks_total,
			tasks_complete = excluded.tasks_complete,
			tasks_failed = excluded.tasks_failed,
			ended_at = excluded.ended_at`,
		b.ID, nullableString(b.Goal), b.Status, b.TasksTotal, b.TasksComplete, b.TasksFailed,
		b.StartedAt, nullableTime(b.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, goal, status, tasks_total, tasks_complete, tasks_failed, started_at, ended_at
		FROM batches WHERE id = ?`, id)

	b, err := scanBatch(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("batch", id)
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return b, nil
}

// LatestBatch returns the most recently started batch, or nil when no
// batch has ever run.
func (s *Store) LatestBatch(ctx context.Context) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, goal, status, tasks_total, tasks_complete, tasks_failed, started_at, ended_at
		FROM batches ORDER BY started_at DESC, id DESC LIMIT 1`)

	b, err := scanBatch(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest batch: %w", err)
	}
	return b, nil
}

// ListBatches returns batches newest first. A limit of zero returns
// everything.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	query := `
		SELECT id, goal, status, tasks_total, tasks_complete, tasks_failed, started_at, ended_at
		FROM batches ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

func scanBatch(row rowScanner) (*Batch, error) {
	var b Batch
	var goal sql.NullString
	var endedAt sql.NullTime
	if err := row.Scan(&b.ID, &goal, &b.Status, &b.TasksTotal, &b.TasksComplete, &b.TasksFailed,
		&b.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	b.Goal = goal.String
	if endedAt.Valid {
		t := endedAt.Time
		b.EndedAt = &t
	}
	return &b, nil
}

// -----------------------------------------------------------------------------
// Checkpoints
// -----------------------------------------------------------------------------

// SaveCheckpoint stores an orchestrator snapshot and returns its id.
func (s *Store) SaveCheckpoint(ctx context.Context, batchID string, state []byte) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO checkpoints (batch_id, created_at, state) VALUES (?, ?, ?)
		RETURNING id`,
		batchID, time.Now().UTC(), string(state))

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return id, nil
}

// LatestCheckpoint returns the newest checkpoint for a batch, or nil when
// none exists.
func (s *Store) LatestCheckpoint(ctx context.Context, batchID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, created_at, state FROM checkpoints
		WHERE batch_id = ? ORDER BY id DESC LIMIT 1`, batchID)

	var cp Checkpoint
	var state string
	if err := row.Scan(&cp.ID, &cp.BatchID, &cp.CreatedAt, &state); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	cp.State = []byte(state)
	return &cp, nil
}

// PruneCheckpoints keeps only the newest n checkpoints for a batch.
func (s *Store) PruneCheckpoints(ctx context.Context, batchID string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE batch_id = ? AND id NOT IN (
			SELECT id FROM checkpoints WHERE batch_id = ? ORDER BY id DESC LIMIT ?
		)`, batchID, batchID, keep)
	if err != nil {
		return fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	return nil
}
