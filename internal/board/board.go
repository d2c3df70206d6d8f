// Package board maintains the task board: the persistent set of tasks the
// orchestrator draws from, with status transitions, dependency-aware ready
// selection, and the invariants the rest of the system relies on (complete
// is terminal, blocked requires a reason, timestamps are monotonic).
package board

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/undercity-dev/undercity/internal/errors"
	"github.com/undercity-dev/undercity/internal/logging"
	"github.com/undercity-dev/undercity/internal/store"
)

// Board provides task CRUD and selection over the embedded store.
type Board struct {
	db     *store.Store
	logger *logging.Logger
	now    func() time.Time
}

// New creates a board backed by db.
func New(db *store.Store, logger *logging.Logger) *Board {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Board{db: db, logger: logger, now: time.Now}
}

// Add stores a new task. An empty objective is rejected; id and createdAt
// are filled in when absent.
func (b *Board) Add(ctx context.Context, t *Task) error {
	if strings.TrimSpace(t.Objective) == "" {
		return errors.NewValidationError("task objective is empty")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if !t.Status.Valid() {
		return errors.NewValidationError(fmt.Sprintf("unknown task status %q", t.Status)).WithField("status")
	}
	if t.Status == StatusBlocked && t.BlockedReason == "" {
		return errors.NewValidationError("blocked task requires a reason").WithField("blockedReason")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = b.now()
	}
	return b.save(ctx, t)
}

// Get returns one task by id.
func (b *Board) Get(ctx context.Context, id string) (*Task, error) {
	rec, err := b.db.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return decode(rec)
}

// List returns tasks filtered by the given statuses (all when none given),
// highest priority first, oldest first within a priority.
func (b *Board) List(ctx context.Context, statuses ...Status) ([]*Task, error) {
	raw := make([]string, len(statuses))
	for i, s := range statuses {
		raw[i] = string(s)
	}
	recs, err := b.db.ListTasks(ctx, "", raw...)
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(recs))
	for i := range recs {
		t, err := decode(&recs[i])
		if err != nil {
			b.logger.Warn("skipping corrupt task record", "task_id", recs[i].ID, "error", err.Error())
			continue
		}
		tasks = append(tasks, t)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// CountByStatus returns the number of tasks per status.
func (b *Board) CountByStatus(ctx context.Context) (map[string]int, error) {
	return b.db.CountTasksByStatus(ctx, "")
}

// FindByObjective returns the task whose objective matches exactly,
// ignoring case, or nil when none does.
func (b *Board) FindByObjective(ctx context.Context, objective string) (*Task, error) {
	tasks, err := b.List(ctx)
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(strings.TrimSpace(objective))
	for _, t := range tasks {
		if strings.ToLower(strings.TrimSpace(t.Objective)) == want {
			return t, nil
		}
	}
	return nil, nil
}

// Update applies fn to the stored task under read-modify-write and
// persists the result. Transition legality is enforced here: fn may set
// any field, but an illegal status change fails the update.
func (b *Board) Update(ctx context.Context, id string, fn func(*Task) error) (*Task, error) {
	t, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	before := t.Status

	if err := fn(t); err != nil {
		return nil, err
	}

	if t.Status != before {
		probe := Task{Status: before}
		if !probe.CanTransition(t.Status) {
			return nil, errors.NewValidationError(
				fmt.Sprintf("illegal transition %s -> %s", before, t.Status)).WithField("status")
		}
		b.stampTransition(t)
	}
	if t.Status == StatusBlocked && t.BlockedReason == "" {
		return nil, errors.NewValidationError("blocked task requires a reason").WithField("blockedReason")
	}

	if err := b.save(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// SetStatus transitions a task to the given status. Blocking requires a
// reason via Block instead.
func (b *Board) SetStatus(ctx context.Context, id string, status Status) (*Task, error) {
	return b.Update(ctx, id, func(t *Task) error {
		t.Status = status
		return nil
	})
}

// Block transitions a task to blocked with the given reason.
func (b *Board) Block(ctx context.Context, id, reason string) (*Task, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, errors.NewValidationError("blocked task requires a reason").WithField("blockedReason")
	}
	return b.Update(ctx, id, func(t *Task) error {
		t.Status = StatusBlocked
		t.BlockedReason = reason
		return nil
	})
}

// Unblock returns a blocked task to pending and clears the reason.
func (b *Board) Unblock(ctx context.Context, id string) (*Task, error) {
	return b.Update(ctx, id, func(t *Task) error {
		if t.Status != StatusBlocked {
			return errors.NewValidationError("task is not blocked")
		}
		t.Status = StatusPending
		t.BlockedReason = ""
		return nil
	})
}

// Remove deletes a task from the board.
func (b *Board) Remove(ctx context.Context, id string) error {
	return b.db.DeleteTask(ctx, id)
}

// Decompose records subtasks for a parent: each subtask gets the parent's
// batch and a ParentID link, and the parent's subtask set is extended.
func (b *Board) Decompose(ctx context.Context, parentID string, objectives []string) ([]*Task, error) {
	parent, err := b.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}

	subs := make([]*Task, 0, len(objectives))
	for _, obj := range objectives {
		sub := &Task{
			Objective: obj,
			Status:    StatusPending,
			Priority:  parent.Priority,
			ParentID:  parent.ID,
			BatchID:   parent.BatchID,
		}
		if err := b.Add(ctx, sub); err != nil {
			return nil, err
		}
		parent.SubtaskIDs = append(parent.SubtaskIDs, sub.ID)
		subs = append(subs, sub)
	}

	if err := b.save(ctx, parent); err != nil {
		return nil, err
	}
	return subs, nil
}

// NextReady selects the highest-priority dispatchable task: pending, all
// dependencies complete, and no estimated-file overlap with busyFiles
// (the union of files predicted for currently running tasks). Returns nil
// when nothing is ready.
func (b *Board) NextReady(ctx context.Context, busyFiles map[string]bool, exclude map[string]bool) (*Task, error) {
	tasks, err := b.List(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, t := range tasks {
		if t.Status != StatusPending || exclude[t.ID] {
			continue
		}
		// Decomposed parents wait for their subtasks.
		if t.IsDecomposed() && !subtasksDone(t, byID) {
			continue
		}
		if !depsComplete(t, byID) {
			continue
		}
		if overlapsBusy(t, busyFiles) {
			continue
		}
		return t, nil
	}
	return nil, nil
}

func depsComplete(t *Task, byID map[string]*Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := byID[dep]
		// Unknown dependencies are treated as satisfied: the dependency
		// may have been pruned from the board after completing.
		if ok && d.Status != StatusComplete {
			return false
		}
	}
	return true
}

func subtasksDone(t *Task, byID map[string]*Task) bool {
	for _, id := range t.SubtaskIDs {
		s, ok := byID[id]
		if ok && !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func overlapsBusy(t *Task, busyFiles map[string]bool) bool {
	for _, f := range t.EstimatedFiles {
		if busyFiles[f] {
			return true
		}
	}
	return false
}

// stampTransition keeps timestamps monotonic across status changes.
func (b *Board) stampTransition(t *Task) {
	now := b.now()
	switch t.Status {
	case StatusInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case StatusComplete, StatusFailed:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		t.CompletedAt = &now
	}
}

func (b *Board) save(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
	}
	rec := &store.TaskRecord{
		ID:        t.ID,
		BatchID:   t.BatchID,
		Status:    string(t.Status),
		Priority:  t.Priority,
		CreatedAt: t.CreatedAt,
		UpdatedAt: b.now(),
		Data:      data,
	}
	return b.db.SaveTask(ctx, rec)
}

func decode(rec *store.TaskRecord) (*Task, error) {
	var t Task
	if err := json.Unmarshal(rec.Data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", rec.ID, err)
	}
	// Hot columns win over the blob if they ever diverge.
	t.ID = rec.ID
	t.Status = Status(rec.Status)
	t.Priority = rec.Priority
	return &t, nil
}
