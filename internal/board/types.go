package board

import (
	"strings"
	"time"
)

// Status represents the lifecycle state of a task on the board.
type Status string

const (
	// StatusPending indicates the task is waiting to be dispatched.
	StatusPending Status = "pending"

	// StatusInProgress indicates a worker is executing the task.
	StatusInProgress Status = "in_progress"

	// StatusBlocked indicates the task cannot run until unblocked.
	// A blocked task always carries a BlockedReason.
	StatusBlocked Status = "blocked"

	// StatusComplete indicates the task finished successfully.
	// Complete is terminal: no transition ever leaves it.
	StatusComplete Status = "complete"

	// StatusFailed indicates the task exhausted all attempts.
	StatusFailed Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Valid reports whether s is a known task status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusBlocked, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Objective prefix tags. Tags change how the orchestrator treats a task:
// [plan] runs planning only, [research] produces findings without edits,
// [meta:triage] runs the meta engine against the board.
const (
	TagPlan       = "[plan]"
	TagResearch   = "[research]"
	TagMetaTriage = "[meta:triage]"
)

// HandoffContext carries what earlier attempts learned so the next attempt
// does not start cold.
type HandoffContext struct {
	FilesRead    []string `json:"filesRead,omitempty"`
	Decisions    []string `json:"decisions,omitempty"`
	PriorError   string   `json:"priorError,omitempty"`
	AttemptCount int      `json:"attemptCount,omitempty"`
}

// LastAttempt summarises the most recent execution attempt.
type LastAttempt struct {
	Model         string   `json:"model,omitempty"`
	ErrorKind     string   `json:"errorKind,omitempty"`
	Message       string   `json:"message,omitempty"`
	ModifiedFiles []string `json:"modifiedFiles,omitempty"`
	AttemptCount  int      `json:"attemptCount,omitempty"`
}

// Task is the unit of work on the board.
type Task struct {
	ID        string `json:"id"`
	Objective string `json:"objective"`
	Status    Status `json:"status"`
	Priority  int    `json:"priority"`

	// BlockedReason explains a blocked status; required when blocked.
	BlockedReason string `json:"blockedReason,omitempty"`

	// Relations, stored as ids and resolved by lookup at need.
	ParentID   string   `json:"parentId,omitempty"`
	SubtaskIDs []string `json:"subtaskIds,omitempty"`
	DependsOn  []string `json:"dependsOn,omitempty"`
	Conflicts  []string `json:"conflicts,omitempty"`
	RelatedTo  []string `json:"relatedTo,omitempty"`

	// Artefacts.
	EstimatedFiles []string `json:"estimatedFiles,omitempty"`
	PackageHints   []string `json:"packageHints,omitempty"`
	RiskScore      float64  `json:"riskScore,omitempty"`
	TriageIssues   []string `json:"triageIssues,omitempty"`

	// History.
	Attempts       int             `json:"attempts"`
	HandoffContext *HandoffContext `json:"handoffContext,omitempty"`
	LastAttempt    *LastAttempt    `json:"lastAttempt,omitempty"`

	BatchID     string     `json:"batchId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// IsDecomposed reports whether the task has been split into subtasks.
func (t *Task) IsDecomposed() bool {
	return len(t.SubtaskIDs) > 0
}

// Tag returns the objective's leading tag ("[plan]", "[research]",
// "[meta:triage]") or the empty string for a plain task.
func (t *Task) Tag() string {
	obj := strings.TrimSpace(t.Objective)
	for _, tag := range []string{TagPlan, TagResearch, TagMetaTriage} {
		if len(obj) >= len(tag) && strings.EqualFold(obj[:len(tag)], tag) {
			return tag
		}
	}
	return ""
}

// BareObjective returns the objective with any leading tag stripped.
func (t *Task) BareObjective() string {
	obj := strings.TrimSpace(t.Objective)
	if tag := t.Tag(); tag != "" {
		return strings.TrimSpace(obj[len(tag):])
	}
	return obj
}

// IsMeta reports whether the task drives the meta engine rather than a
// code change.
func (t *Task) IsMeta() bool {
	return t.Tag() == TagMetaTriage
}

// CanTransition reports whether a status change is legal. Complete is
// terminal; failed tasks may only be re-queued to pending (explicit
// re-queue, never automatic).
func (t *Task) CanTransition(to Status) bool {
	if !to.Valid() {
		return false
	}
	switch t.Status {
	case StatusComplete:
		return false
	case StatusFailed:
		return to == StatusPending
	case StatusBlocked:
		return to == StatusPending || to == StatusFailed
	case StatusPending:
		return to == StatusInProgress || to == StatusBlocked || to == StatusComplete || to == StatusFailed
	case StatusInProgress:
		return to != StatusInProgress
	}
	return false
}
