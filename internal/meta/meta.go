// Package meta runs board-maintenance tasks: a model looks at the task
// board and proposes mutations (stale tasks to close, duplicates to
// merge, priorities to fix). Every recommendation is validated against
// the board before it is applied; invalid ones are logged and dropped.
package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/undercity-dev/undercity/internal/board"
	"github.com/undercity-dev/undercity/internal/errors"
	"github.com/undercity-dev/undercity/internal/llm"
	"github.com/undercity-dev/undercity/internal/logging"
)

// Recommendation actions.
const (
	ActionAdd        = "add"
	ActionRemove     = "remove"
	ActionComplete   = "complete"
	ActionPrioritize = "prioritize"
	ActionUpdate     = "update"
	ActionMerge      = "merge"
	ActionBlock      = "block"
	ActionUnblock    = "unblock"
	ActionDecompose  = "decompose"
	ActionFixStatus  = "fix_status"
)

// Recommendation is one proposed board mutation.
type Recommendation struct {
	Action         string   `json:"action"`
	TaskID         string   `json:"taskId,omitempty"`
	Objective      string   `json:"objective,omitempty"`
	Priority       *int     `json:"priority,omitempty"`
	Status         string   `json:"status,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	RelatedTaskIDs []string `json:"relatedTaskIds,omitempty"`
	Subtasks       []string `json:"subtasks,omitempty"`
}

// needsTaskID lists the actions that must name an existing task.
var needsTaskID = map[string]bool{
	ActionRemove:     true,
	ActionComplete:   true,
	ActionFixStatus:  true,
	ActionPrioritize: true,
	ActionUpdate:     true,
	ActionBlock:      true,
	ActionUnblock:    true,
	ActionDecompose:  true,
}

// Engine applies meta-task recommendations to the board.
type Engine struct {
	board  *board.Board
	llm    completer
	logger *logging.Logger
}

type completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// New creates a meta engine. The completer may be nil when only Apply is
// used with externally produced recommendations.
func New(b *board.Board, client completer, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Engine{board: b, llm: client, logger: logger}
}

// Run executes one meta task: snapshot the board, ask the model for
// recommendations, validate and apply them. It returns the
// recommendations that were applied.
func (e *Engine) Run(ctx context.Context, metaTask *board.Task, tier string) ([]Recommendation, error) {
	snapshot, err := e.boardSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := e.llm.Complete(ctx, llm.Request{
		Tier:     tier,
		System:   "You maintain a task board for an autonomous coding system. Propose only mutations that keep the board accurate and actionable.",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: e.buildPrompt(metaTask, snapshot)}},
		JSONOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("meta recommendation call failed: %w", err)
	}

	recs := ParseRecommendations(resp.Content)
	return e.Apply(ctx, metaTask.ID, recs)
}

// ParseRecommendations decodes model output tolerantly: unknown fields
// are ignored, a malformed response yields no recommendations.
func ParseRecommendations(content string) []Recommendation {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "["); idx >= 0 {
		if end := strings.LastIndex(content, "]"); end > idx {
			var recs []Recommendation
			if err := json.Unmarshal([]byte(content[idx:end+1]), &recs); err == nil {
				return recs
			}
		}
	}
	// Some models wrap the list in an object.
	if idx := strings.Index(content, "{"); idx >= 0 {
		if end := strings.LastIndex(content, "}"); end > idx {
			var wrapper struct {
				Recommendations []Recommendation `json:"recommendations"`
			}
			if err := json.Unmarshal([]byte(content[idx:end+1]), &wrapper); err == nil {
				return wrapper.Recommendations
			}
		}
	}
	return nil
}

// Apply validates each recommendation and applies the valid ones via the
// board. selfID is the id of the meta task itself, which no
// recommendation may target.
func (e *Engine) Apply(ctx context.Context, selfID string, recs []Recommendation) ([]Recommendation, error) {
	var applied []Recommendation
	for _, rec := range recs {
		if err := e.Validate(ctx, selfID, rec); err != nil {
			e.logger.Info("dropping invalid recommendation",
				"action", rec.Action,
				"task_id", rec.TaskID,
				"reason", err.Error())
			continue
		}
		if err := e.apply(ctx, rec); err != nil {
			e.logger.Warn("failed to apply recommendation",
				"action", rec.Action,
				"task_id", rec.TaskID,
				"error", err.Error())
			continue
		}
		applied = append(applied, rec)
	}
	return applied, nil
}

// Validate checks one recommendation against the board's current state.
func (e *Engine) Validate(ctx context.Context, selfID string, rec Recommendation) error {
	if rec.TaskID == selfID && selfID != "" {
		return errors.NewValidationError("recommendation targets the meta task itself")
	}

	if needsTaskID[rec.Action] {
		if rec.TaskID == "" {
			return errors.NewValidationError(rec.Action + " requires a task id")
		}
		target, err := e.board.Get(ctx, rec.TaskID)
		if err != nil {
			return errors.NewValidationError("task does not exist: " + rec.TaskID)
		}
		switch rec.Action {
		case ActionComplete, ActionFixStatus:
			if target.Status == board.StatusComplete {
				return errors.NewValidationError("task is already complete")
			}
		case ActionUnblock:
			if target.Status != board.StatusBlocked {
				return errors.NewValidationError("task is not blocked")
			}
		case ActionBlock:
			if target.Status == board.StatusBlocked || target.Status == board.StatusComplete {
				return errors.NewValidationError("task cannot be blocked in status " + string(target.Status))
			}
		case ActionDecompose:
			if len(rec.Subtasks) == 0 {
				return errors.NewValidationError("decompose requires subtasks")
			}
		}
		return nil
	}

	switch rec.Action {
	case ActionAdd:
		if strings.TrimSpace(rec.Objective) == "" {
			return errors.NewValidationError("add requires an objective")
		}
		if existing, err := e.board.FindByObjective(ctx, rec.Objective); err == nil && existing != nil {
			return errors.NewValidationError("duplicate objective: " + existing.ID)
		}
	case ActionMerge:
		if len(rec.RelatedTaskIDs) == 0 {
			return errors.NewValidationError("merge requires relatedTaskIds")
		}
		for _, id := range rec.RelatedTaskIDs {
			if _, err := e.board.Get(ctx, id); err != nil {
				return errors.NewValidationError("merge references missing task: " + id)
			}
		}
	default:
		return errors.NewValidationError("unknown action: " + rec.Action)
	}
	return nil
}

// apply performs a validated mutation.
func (e *Engine) apply(ctx context.Context, rec Recommendation) error {
	switch rec.Action {
	case ActionAdd:
		return e.board.Add(ctx, &board.Task{Objective: rec.Objective, Priority: intOr(rec.Priority, 0)})
	case ActionRemove:
		return e.board.Remove(ctx, rec.TaskID)
	case ActionComplete:
		_, err := e.board.SetStatus(ctx, rec.TaskID, board.StatusComplete)
		return err
	case ActionFixStatus:
		status := board.Status(rec.Status)
		if !status.Valid() {
			return errors.NewValidationError("invalid status " + rec.Status)
		}
		_, err := e.board.SetStatus(ctx, rec.TaskID, status)
		return err
	case ActionPrioritize:
		_, err := e.board.Update(ctx, rec.TaskID, func(t *board.Task) error {
			t.Priority = intOr(rec.Priority, t.Priority+1)
			return nil
		})
		return err
	case ActionUpdate:
		_, err := e.board.Update(ctx, rec.TaskID, func(t *board.Task) error {
			if rec.Objective != "" {
				t.Objective = rec.Objective
			}
			if rec.Priority != nil {
				t.Priority = *rec.Priority
			}
			return nil
		})
		return err
	case ActionMerge:
		return e.merge(ctx, rec)
	case ActionBlock:
		_, err := e.board.Block(ctx, rec.TaskID, reasonOr(rec.Reason))
		return err
	case ActionUnblock:
		_, err := e.board.Unblock(ctx, rec.TaskID)
		return err
	case ActionDecompose:
		_, err := e.board.Decompose(ctx, rec.TaskID, rec.Subtasks)
		return err
	}
	return errors.NewValidationError("unknown action: " + rec.Action)
}

// merge folds the related tasks into one surviving task: the first
// related id survives, the rest are linked and removed.
func (e *Engine) merge(ctx context.Context, rec Recommendation) error {
	survivor := rec.RelatedTaskIDs[0]
	_, err := e.board.Update(ctx, survivor, func(t *board.Task) error {
		for _, id := range rec.RelatedTaskIDs[1:] {
			t.RelatedTo = append(t.RelatedTo, id)
		}
		if rec.Objective != "" {
			t.Objective = rec.Objective
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range rec.RelatedTaskIDs[1:] {
		if err := e.board.Remove(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// boardSnapshot renders the current board compactly for the prompt.
func (e *Engine) boardSnapshot(ctx context.Context) (string, error) {
	tasks, err := e.board.List(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list board: %w", err)
	}
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "- %s [%s] p%d: %s", t.ID, t.Status, t.Priority, t.Objective)
		if t.Status == board.StatusBlocked {
			fmt.Fprintf(&b, " (blocked: %s)", t.BlockedReason)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (e *Engine) buildPrompt(metaTask *board.Task, snapshot string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Meta task: %s\n\nCurrent board:\n%s\n", metaTask.BareObjective(), snapshot)
	b.WriteString(`Respond with a JSON array of recommendations:
[{"action": "add|remove|complete|prioritize|update|merge|block|unblock|decompose|fix_status", "taskId": "...", "objective": "...", "priority": 0, "status": "...", "reason": "...", "relatedTaskIds": [], "subtasks": []}]
Propose only changes you can justify from the board itself.`)
	return b.String()
}

func intOr(p *int, fallback int) int {
	if p != nil {
		return *p
	}
	return fallback
}

func reasonOr(reason string) string {
	if reason != "" {
		return reason
	}
	return "blocked by board maintenance"
}
