package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/undercity-dev/undercity/internal/errors"
)

// Decision statuses.
const (
	DecisionPending  = "pending"
	DecisionResolved = "resolved"
)

// SaveDecision inserts or replaces a decision by id, including its
// resolution fields when present.
func (s *Store) SaveDecision(ctx context.Context, d *Decision) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = DecisionPending
	}

	var resolvedBy, decision, reasoning, outcome any
	var confidence any
	if d.Resolution != nil {
		resolvedBy = d.Resolution.ResolvedBy
		decision = d.Resolution.Decision
		reasoning = nullableString(d.Resolution.Reasoning)
		outcome = nullableString(d.Resolution.Outcome)
		if d.Resolution.Confidence > 0 {
			confidence = d.Resolution.Confidence
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, question, context, category, status, task_id, created_at, resolved_at, resolved_by, decision, reasoning, confidence, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			question = excluded.question,
			context = excluded.context,
			category = excluded.category,
			status = excluded.status,
			task_id = excluded.task_id,
			resolved_at = excluded.resolved_at,
			resolved_by = excluded.resolved_by,
			decision = excluded.decision,
			reasoning = excluded.reasoning,
			confidence = excluded.confidence,
			outcome = excluded.outcome`,
		d.ID, d.Question, nullableString(d.Context), d.Category, d.Status, nullableString(d.TaskID),
		d.CreatedAt, nullableTime(d.ResolvedAt), resolvedBy, decision, reasoning, confidence, outcome)
	if err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

// GetDecision retrieves a decision by id.
func (s *Store) GetDecision(ctx context.Context, id string) (*Decision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, question, context, category, status, task_id, created_at, resolved_at, resolved_by, decision, reasoning, confidence, outcome
		FROM decisions WHERE id = ?`, id)

	d, err := scanDecision(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("decision", id)
		}
		return nil, fmt.Errorf("failed to get decision: %w", err)
	}
	return d, nil
}

// ListDecisions returns decisions filtered by status (empty = all), newest
// first. A limit of zero returns everything.
func (s *Store) ListDecisions(ctx context.Context, status string, limit int) ([]Decision, error) {
	query := `
		SELECT id, question, context, category, status, task_id, created_at, resolved_at, resolved_by, decision, reasoning, confidence, outcome
		FROM decisions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, *d)
	}
	return decisions, rows.Err()
}

// CountDecisions counts decisions with the given status (empty = all).
func (s *Store) CountDecisions(ctx context.Context, status string) (int, error) {
	query := `SELECT COUNT(*) FROM decisions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count decisions: %w", err)
	}
	return count, nil
}

// PruneResolvedDecisions deletes resolved decisions beyond the retention
// cap, oldest first, and returns how many were removed. Pending decisions
// are never pruned.
func (s *Store) PruneResolvedDecisions(ctx context.Context, keep int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM decisions WHERE status = ? AND id NOT IN (
			SELECT id FROM decisions WHERE status = ?
			ORDER BY resolved_at DESC, created_at DESC LIMIT ?
		)`, DecisionResolved, DecisionResolved, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune decisions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(affected), nil
}

// AddDecisionOverride appends an immutable human override to a decision.
func (s *Store) AddDecisionOverride(ctx context.Context, decisionID, override string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decision_overrides (decision_id, override, created_at) VALUES (?, ?, ?)`,
		decisionID, override, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add decision override: %w", err)
	}
	return nil
}

// ListDecisionOverrides returns overrides for a decision in append order.
func (s *Store) ListDecisionOverrides(ctx context.Context, decisionID string) ([]DecisionOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, decision_id, override, created_at FROM decision_overrides
		WHERE decision_id = ? ORDER BY id ASC`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list decision overrides: %w", err)
	}
	defer rows.Close()

	var overrides []DecisionOverride
	for rows.Next() {
		var o DecisionOverride
		if err := rows.Scan(&o.ID, &o.DecisionID, &o.Override, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision override: %w", err)
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

func scanDecision(row rowScanner) (*Decision, error) {
	var d Decision
	var taskID, contextStr sql.NullString
	var resolvedAt sql.NullTime
	var resolvedBy, decision, reasoning, outcome sql.NullString
	var confidence sql.NullFloat64

	if err := row.Scan(&d.ID, &d.Question, &contextStr, &d.Category, &d.Status, &taskID,
		&d.CreatedAt, &resolvedAt, &resolvedBy, &decision, &reasoning, &confidence, &outcome); err != nil {
		return nil, err
	}

	d.Context = contextStr.String
	d.TaskID = taskID.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	if resolvedBy.Valid {
		d.Resolution = &Resolution{
			ResolvedBy: resolvedBy.String,
			Decision:   decision.String,
			Reasoning:  reasoning.String,
			Confidence: confidence.Float64,
			Outcome:    outcome.String,
		}
	}
	return &d, nil
}
