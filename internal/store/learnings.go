package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/undercity-dev/undercity/internal/errors"
)

// -----------------------------------------------------------------------------
// Learnings
// -----------------------------------------------------------------------------

// SaveLearning inserts or replaces a learning by id. Zero timestamps are
// filled in.
func (s *Store) SaveLearning(ctx context.Context, l *Learning) error {
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learnings (id, category, content, keywords, payload, confidence, used_count, success_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			content = excluded.content,
			keywords = excluded.keywords,
			payload = excluded.payload,
			confidence = excluded.confidence,
			used_count = excluded.used_count,
			success_count = excluded.success_count,
			updated_at = excluded.updated_at`,
		l.ID, l.Category, l.Content, encodeStrings(l.Keywords), nullableString(encodeMap(l.Payload)),
		l.Confidence, l.UsedCount, l.SuccessCount, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save learning: %w", err)
	}
	return nil
}

// GetLearning retrieves a learning by id.
func (s *Store) GetLearning(ctx context.Context, id string) (*Learning, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, category, content, keywords, payload, confidence, used_count, success_count, created_at, updated_at
		FROM learnings WHERE id = ?`, id)

	l, err := scanLearning(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("learning", id)
		}
		return nil, fmt.Errorf("failed to get learning: %w", err)
	}
	return l, nil
}

// ListLearnings returns all learnings, highest confidence first.
func (s *Store) ListLearnings(ctx context.Context) ([]Learning, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, content, keywords, payload, confidence, used_count, success_count, created_at, updated_at
		FROM learnings ORDER BY confidence DESC, updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list learnings: %w", err)
	}
	defer rows.Close()

	var learnings []Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan learning: %w", err)
		}
		learnings = append(learnings, *l)
	}
	return learnings, rows.Err()
}

// UpdateLearningCounters persists the adjusted confidence and usage counts
// after a learning is applied.
func (s *Store) UpdateLearningCounters(ctx context.Context, id string, confidence float64, usedCount, successCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE learnings SET confidence = ?, used_count = ?, success_count = ?, updated_at = ?
		WHERE id = ?`,
		confidence, usedCount, successCount, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update learning counters: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return errors.NewNotFoundError("learning", id)
	}
	return nil
}

// CountLearnings returns the number of stored learnings.
func (s *Store) CountLearnings(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM learnings`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count learnings: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLearning(row rowScanner) (*Learning, error) {
	var l Learning
	var keywords string
	var payload sql.NullString
	if err := row.Scan(&l.ID, &l.Category, &l.Content, &keywords, &payload,
		&l.Confidence, &l.UsedCount, &l.SuccessCount, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.Keywords = decodeStrings(keywords)
	if payload.Valid {
		l.Payload = decodeMap(payload.String)
	}
	return &l, nil
}

// -----------------------------------------------------------------------------
// Error patterns and fixes
// -----------------------------------------------------------------------------

// UpsertErrorPattern records one more occurrence of a failure signature,
// creating the pattern on first sight. The first sample message is kept.
func (s *Store) UpsertErrorPattern(ctx context.Context, signature, category, sampleMessage string) (*ErrorPattern, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO error_patterns (signature, category, sample_message, occurrences, first_seen, last_seen)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(signature) DO UPDATE SET
			occurrences = occurrences + 1,
			last_seen = excluded.last_seen
		RETURNING signature, category, sample_message, occurrences, first_seen, last_seen`,
		signature, category, sampleMessage, now, now)

	var p ErrorPattern
	if err := row.Scan(&p.Signature, &p.Category, &p.SampleMessage, &p.Occurrences, &p.FirstSeen, &p.LastSeen); err != nil {
		return nil, fmt.Errorf("failed to upsert error pattern: %w", err)
	}
	return &p, nil
}

// GetErrorPattern retrieves a pattern by signature.
func (s *Store) GetErrorPattern(ctx context.Context, signature string) (*ErrorPattern, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT signature, category, sample_message, occurrences, first_seen, last_seen
		FROM error_patterns WHERE signature = ?`, signature)

	var p ErrorPattern
	if err := row.Scan(&p.Signature, &p.Category, &p.SampleMessage, &p.Occurrences, &p.FirstSeen, &p.LastSeen); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("error pattern", signature)
		}
		return nil, fmt.Errorf("failed to get error pattern: %w", err)
	}
	return &p, nil
}

// ListErrorPatterns returns patterns ordered by occurrence count. A limit
// of zero returns everything.
func (s *Store) ListErrorPatterns(ctx context.Context, limit int) ([]ErrorPattern, error) {
	query := `
		SELECT signature, category, sample_message, occurrences, first_seen, last_seen
		FROM error_patterns ORDER BY occurrences DESC, last_seen DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list error patterns: %w", err)
	}
	defer rows.Close()

	var patterns []ErrorPattern
	for rows.Next() {
		var p ErrorPattern
		if err := rows.Scan(&p.Signature, &p.Category, &p.SampleMessage, &p.Occurrences, &p.FirstSeen, &p.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan error pattern: %w", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// AddErrorFix attaches a fix to an existing pattern and fills in the
// generated id.
func (s *Store) AddErrorFix(ctx context.Context, f *ErrorFix) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO error_fixes (signature, description, patch, files_changed, success_count, failure_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		f.Signature, f.Description, nullableString(f.Patch), encodeStrings(f.FilesChanged),
		f.SuccessCount, f.FailureCount, f.CreatedAt)
	if err := row.Scan(&f.ID); err != nil {
		return fmt.Errorf("failed to add error fix: %w", err)
	}
	return nil
}

// RecordFixOutcome bumps a fix's success or failure counter.
func (s *Store) RecordFixOutcome(ctx context.Context, fixID int64, success bool) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE error_fixes SET %s = %s + 1 WHERE id = ?`, column, column), fixID)
	if err != nil {
		return fmt.Errorf("failed to record fix outcome: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return errors.NewNotFoundError("error fix", fmt.Sprintf("%d", fixID))
	}
	return nil
}

// ListErrorFixes returns fixes for a signature, best track record first.
func (s *Store) ListErrorFixes(ctx context.Context, signature string) ([]ErrorFix, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, signature, description, patch, files_changed, success_count, failure_count, created_at
		FROM error_fixes WHERE signature = ?
		ORDER BY success_count DESC, failure_count ASC, created_at ASC`, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to list error fixes: %w", err)
	}
	defer rows.Close()

	var fixes []ErrorFix
	for rows.Next() {
		var f ErrorFix
		var patch sql.NullString
		var files string
		if err := rows.Scan(&f.ID, &f.Signature, &f.Description, &patch, &files,
			&f.SuccessCount, &f.FailureCount, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan error fix: %w", err)
		}
		if patch.Valid {
			f.Patch = patch.String
		}
		f.FilesChanged = decodeStrings(files)
		fixes = append(fixes, f)
	}
	return fixes, rows.Err()
}

// -----------------------------------------------------------------------------
// Permanent failures
// -----------------------------------------------------------------------------

// AddPermanentFailure records an exhausted task. Returns false when the
// task already has a permanent failure on record.
func (s *Store) AddPermanentFailure(ctx context.Context, pf *PermanentFailure) (bool, error) {
	if pf.CreatedAt.IsZero() {
		pf.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO permanent_failures
			(task_id, signature, category, sample_message, objective, last_model, attempt_count, files_attempted, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pf.TaskID, pf.Signature, pf.Category, nullableString(pf.SampleMessage), pf.Objective,
		nullableString(pf.LastModel), pf.AttemptCount, encodeStrings(pf.FilesAttempted),
		nullableString(pf.Details), pf.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to add permanent failure: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListPermanentFailures returns recorded failures, newest first. A limit of
// zero returns everything.
func (s *Store) ListPermanentFailures(ctx context.Context, limit int) ([]PermanentFailure, error) {
	query := `
		SELECT id, task_id, signature, category, sample_message, objective, last_model, attempt_count, files_attempted, details, created_at
		FROM permanent_failures ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list permanent failures: %w", err)
	}
	defer rows.Close()

	var failures []PermanentFailure
	for rows.Next() {
		var pf PermanentFailure
		var sample, lastModel, details sql.NullString
		var files string
		if err := rows.Scan(&pf.ID, &pf.TaskID, &pf.Signature, &pf.Category, &sample, &pf.Objective,
			&lastModel, &pf.AttemptCount, &files, &details, &pf.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permanent failure: %w", err)
		}
		pf.SampleMessage = sample.String
		pf.LastModel = lastModel.String
		pf.Details = details.String
		pf.FilesAttempted = decodeStrings(files)
		failures = append(failures, pf)
	}
	return failures, rows.Err()
}

// HasPermanentFailure reports whether a task is already on record.
func (s *Store) HasPermanentFailure(ctx context.Context, taskID string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM permanent_failures WHERE task_id = ?`, taskID).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check permanent failure: %w", err)
	}
	return count > 0, nil
}
