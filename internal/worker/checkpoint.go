package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/undercity-dev/undercity/internal/board"
	"github.com/undercity-dev/undercity/internal/complexity"
	"github.com/undercity-dev/undercity/internal/logging"
	"github.com/undercity-dev/undercity/internal/planner"
	"github.com/undercity-dev/undercity/internal/watchfs"
)

// keptCheckpoints is how many checkpoints each task retains.
const keptCheckpoints = 5

// phaseRank orders phases; transitions only move up.
var phaseRank = map[string]int{
	PhaseStarting:  0,
	PhasePlanning:  1,
	PhaseExecuting: 2,
	PhaseVerifying: 3,
	PhaseReviewing: 4,
	PhaseComplete:  5,
	PhaseFailed:    5,
}

// checkpoint is the persisted resume point for one task.
type checkpoint struct {
	TaskID       string                 `json:"taskId"`
	Phase        string                 `json:"phase"`
	Tier         string                 `json:"tier"`
	Attempt      int                    `json:"attempt"`
	TierAttempts int                    `json:"tierAttempts"`
	NoOpCount    int                    `json:"noOpCount"`
	Feedback     string                 `json:"feedback,omitempty"`
	Branch       string                 `json:"branch,omitempty"`
	BranchMade   bool                   `json:"branchMade,omitempty"`
	Plan         *planner.ExecutionPlan `json:"plan,omitempty"`
	SavedAt      time.Time              `json:"savedAt"`
}

func checkpointKey(taskID string) string {
	return "task:" + taskID
}

// advance moves the state machine forward and persists a checkpoint.
// Backward transitions are ignored except the executing loop, which
// legitimately re-enters after verifying.
func (w *Worker) advance(ctx context.Context, taskID string, st *state, phase string) {
	if phaseRank[phase] < phaseRank[st.phase] && phase != PhaseExecuting {
		return
	}
	st.phase = phase

	cp := checkpoint{
		TaskID:       taskID,
		Phase:        st.phase,
		Tier:         st.tier,
		Attempt:      st.attempt,
		TierAttempts: st.tierAttempts,
		NoOpCount:    st.noOpCount,
		Feedback:     st.feedback,
		Branch:       st.branch,
		BranchMade:   st.branchMade,
		Plan:         st.plan,
		SavedAt:      time.Now().UTC(),
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return
	}
	if _, err := w.db.SaveCheckpoint(ctx, checkpointKey(taskID), data); err != nil {
		w.logger.Warn("failed to save checkpoint", "task_id", taskID, "error", err.Error())
		return
	}
	if err := w.db.PruneCheckpoints(ctx, checkpointKey(taskID), keptCheckpoints); err != nil {
		w.logger.Warn("failed to prune checkpoints", "task_id", taskID, "error", err.Error())
	}
}

// restoreState loads the latest checkpoint for the task, falling back to
// a fresh state at the router's starting tier.
func (w *Worker) restoreState(ctx context.Context, task *board.Task, assessment complexity.Assessment) *state {
	st := &state{
		phase: PhaseStarting,
		tier:  w.rtr.DetermineStartingModel(assessment, ""),
	}

	cp, err := w.db.LatestCheckpoint(ctx, checkpointKey(task.ID))
	if err != nil || cp == nil {
		return st
	}
	var saved checkpoint
	if err := json.Unmarshal(cp.State, &saved); err != nil {
		w.logger.Warn("discarding corrupt checkpoint", "task_id", task.ID, "error", err.Error())
		return st
	}
	if saved.Phase == PhaseComplete || saved.Phase == PhaseFailed {
		// Terminal checkpoints describe a finished run; start fresh.
		return st
	}

	w.logger.Info("resuming task from checkpoint",
		"task_id", task.ID,
		"phase", saved.Phase,
		"attempt", saved.Attempt)
	st.phase = saved.Phase
	if saved.Tier != "" {
		st.tier = saved.Tier
	}
	st.attempt = saved.Attempt
	st.tierAttempts = saved.TierAttempts
	st.noOpCount = saved.NoOpCount
	st.feedback = saved.Feedback
	st.branch = saved.Branch
	st.branchMade = saved.BranchMade
	st.plan = saved.Plan
	return st
}

// newFSWatcher adapts watchfs to the worker's watcher interface.
func newFSWatcher(root string, logger *logging.Logger) (fileWatcher, error) {
	fw, err := watchfs.New(root, logger)
	if err != nil {
		return nil, err
	}
	return fw, nil
}
