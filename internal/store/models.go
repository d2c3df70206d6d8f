package store

import "time"

// -----------------------------------------------------------------------------
// Persisted record types
// -----------------------------------------------------------------------------

// Learning is a reusable insight distilled from completed work. Confidence
// stays within [0.1, 1.0]; the learning package owns the adjustment rules.
type Learning struct {
	ID           string         `json:"id"`
	Category     string         `json:"category"`
	Content      string         `json:"content"`
	Keywords     []string       `json:"keywords,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Confidence   float64        `json:"confidence"`
	UsedCount    int            `json:"usedCount"`
	SuccessCount int            `json:"successCount"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// ErrorPattern is a canonicalised failure signature with occurrence
// bookkeeping. Fixes hang off the signature in the error_fixes table.
type ErrorPattern struct {
	Signature     string    `json:"signature"`
	Category      string    `json:"category"`
	SampleMessage string    `json:"sampleMessage"`
	Occurrences   int       `json:"occurrences"`
	FirstSeen     time.Time `json:"firstSeen"`
	LastSeen      time.Time `json:"lastSeen"`
}

// ErrorFix is one remedy tried against an error pattern, with its track
// record.
type ErrorFix struct {
	ID           int64     `json:"id"`
	Signature    string    `json:"signature"`
	Description  string    `json:"description"`
	Patch        string    `json:"patch,omitempty"`
	FilesChanged []string  `json:"filesChanged,omitempty"`
	SuccessCount int       `json:"successCount"`
	FailureCount int       `json:"failureCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Decision is a question raised during planning or execution, pending until
// a Resolution is recorded.
type Decision struct {
	ID         string      `json:"id"`
	Question   string      `json:"question"`
	Context    string      `json:"context,omitempty"`
	Category   string      `json:"category"`
	Status     string      `json:"status"`
	TaskID     string      `json:"taskId,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	ResolvedAt *time.Time  `json:"resolvedAt,omitempty"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

// Resolution records who answered a decision and what they decided.
type Resolution struct {
	ResolvedBy string  `json:"resolvedBy"`
	Decision   string  `json:"decision"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Outcome    string  `json:"outcome,omitempty"`
}

// DecisionOverride is an immutable human amendment to a resolved decision.
type DecisionOverride struct {
	ID         int64     `json:"id"`
	DecisionID string    `json:"decisionId"`
	Override   string    `json:"override"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TaskRecord is the board's persisted view of a task. The hot fields used
// for selection queries live in real columns; the full task document is a
// JSON blob owned by the board package.
type TaskRecord struct {
	ID        string    `json:"id"`
	BatchID   string    `json:"batchId,omitempty"`
	Status    string    `json:"status"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Data      []byte    `json:"data"`
}

// Attempt is one execution attempt within a task. Number is 1-based and
// assigned by the store on append when left zero.
type Attempt struct {
	ID            int64      `json:"id"`
	TaskID        string     `json:"taskId"`
	Number        int        `json:"number"`
	Model         string     `json:"model"`
	Complexity    string     `json:"complexity,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	Success       bool       `json:"success"`
	ErrorKind     string     `json:"errorKind,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	FilesModified []string   `json:"filesModified,omitempty"`
}

// KeywordStat tracks how often tasks matching a keyword run and succeed.
type KeywordStat struct {
	Keyword      string `json:"keyword"`
	TaskCount    int    `json:"taskCount"`
	SuccessCount int    `json:"successCount"`
}

// SuccessRatio returns successes over total tasks, zero when unseen.
func (k KeywordStat) SuccessRatio() float64 {
	if k.TaskCount == 0 {
		return 0
	}
	return float64(k.SuccessCount) / float64(k.TaskCount)
}

// FileCount pairs a file path with an observation count, used for both
// keyword→file patterns and co-modification lookups.
type FileCount struct {
	File  string `json:"file"`
	Count int    `json:"count"`
}

// PermanentFailure is captured once when a task exhausts every retry.
type PermanentFailure struct {
	ID             int64     `json:"id"`
	TaskID         string    `json:"taskId"`
	Signature      string    `json:"signature"`
	Category       string    `json:"category"`
	SampleMessage  string    `json:"sampleMessage,omitempty"`
	Objective      string    `json:"objective"`
	LastModel      string    `json:"lastModel,omitempty"`
	AttemptCount   int       `json:"attemptCount"`
	FilesAttempted []string  `json:"filesAttempted,omitempty"`
	Details        string    `json:"details,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Batch statuses.
const (
	BatchRunning  = "running"
	BatchComplete = "complete"
	BatchStopped  = "stopped"
)

// Batch is one grind run: a goal, its task counters, and lifecycle
// timestamps.
type Batch struct {
	ID            string     `json:"id"`
	Goal          string     `json:"goal,omitempty"`
	Status        string     `json:"status"`
	TasksTotal    int        `json:"tasksTotal"`
	TasksComplete int        `json:"tasksComplete"`
	TasksFailed   int        `json:"tasksFailed"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
}

// Checkpoint is an orchestrator snapshot for crash recovery. State is an
// opaque JSON document owned by the orchestrator.
type Checkpoint struct {
	ID        int64     `json:"id"`
	BatchID   string    `json:"batchId"`
	CreatedAt time.Time `json:"createdAt"`
	State     []byte    `json:"state"`
}
