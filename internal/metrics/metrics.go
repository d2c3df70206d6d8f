// Package metrics keeps live session counters and mirrors them to a
// JSON side-file so dashboards and the CLI can read progress without
// touching the database. Writes are debounced and atomic.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/undercity-dev/undercity/internal/logging"
	"github.com/undercity-dev/undercity/internal/store"
)

// writeDebounce is the minimum interval between side-file writes.
const writeDebounce = 500 * time.Millisecond

// Snapshot is the externally visible metrics document.
type Snapshot struct {
	BatchID       string           `json:"batchId,omitempty"`
	StartedAt     time.Time        `json:"startedAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	TasksByStatus map[string]int   `json:"tasksByStatus"`
	Attempts      int              `json:"attempts"`
	TokensByModel map[string]int64 `json:"tokensByModel"`
	CostEstimate  float64          `json:"costEstimate"`
	QueueDepth    int              `json:"queueDepth"`
	Paused        bool             `json:"paused"`
}

// sonnetDollarPerMTok approximates blended cost per million
// sonnet-equivalent tokens, good enough for a dashboard number.
const sonnetDollarPerMTok = 9.0

// modelWeight converts raw tokens to sonnet-equivalent tokens.
func modelWeight(model string) float64 {
	switch {
	case strings.Contains(model, "opus"):
		return 5.0
	case strings.Contains(model, "haiku"):
		return 0.25
	default:
		return 1.0
	}
}

// Recorder accumulates counters and mirrors them to path.
type Recorder struct {
	mu        sync.Mutex
	snap      Snapshot
	path      string
	logger    *logging.Logger
	lastWrite time.Time
	now       func() time.Time
}

// NewRecorder creates a recorder writing to path. An empty path disables
// the side-file.
func NewRecorder(path, batchID string, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.NopLogger()
	}
	now := time.Now()
	return &Recorder{
		snap: Snapshot{
			BatchID:       batchID,
			StartedAt:     now.UTC(),
			TasksByStatus: make(map[string]int),
			TokensByModel: make(map[string]int64),
		},
		path:   path,
		logger: logger,
		now:    time.Now,
	}
}

// SetBatch stamps the snapshot with the batch it describes, once the
// orchestrator knows the batch id.
func (r *Recorder) SetBatch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.BatchID = id
	r.flushLocked(true)
}

// SetTaskCounts replaces the per-status task counts.
func (r *Recorder) SetTaskCounts(counts map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.TasksByStatus = make(map[string]int, len(counts))
	for k, v := range counts {
		r.snap.TasksByStatus[k] = v
	}
	r.flushLocked(false)
}

// RecordAttempt counts one agent attempt.
func (r *Recorder) RecordAttempt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Attempts++
	r.flushLocked(false)
}

// RecordTokens adds token usage for a model and updates the cost
// estimate.
func (r *Recorder) RecordTokens(model string, input, output int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := input + output
	r.snap.TokensByModel[model] += total
	r.snap.CostEstimate += modelWeight(model) * float64(total) / 1e6 * sonnetDollarPerMTok
	r.flushLocked(false)
}

// SetQueueDepth records the merge-queue backlog.
func (r *Recorder) SetQueueDepth(depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.QueueDepth = depth
	r.flushLocked(false)
}

// SetPaused records the pause flag.
func (r *Recorder) SetPaused(paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Paused = paused
	// Pause state matters immediately, skip the debounce.
	r.flushLocked(true)
}

// Snapshot returns a copy of the current counters.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snap
	snap.TasksByStatus = copyInts(r.snap.TasksByStatus)
	snap.TokensByModel = copyInt64s(r.snap.TokensByModel)
	return snap
}

// Flush forces a side-file write regardless of the debounce window.
func (r *Recorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked(true)
}

// flushLocked writes the side-file when forced or when the debounce
// window has elapsed. Callers hold r.mu.
func (r *Recorder) flushLocked(force bool) {
	if r.path == "" {
		return
	}
	if !force && r.now().Sub(r.lastWrite) < writeDebounce {
		return
	}
	r.snap.UpdatedAt = r.now().UTC()
	snap := r.snap
	snap.TasksByStatus = copyInts(r.snap.TasksByStatus)
	snap.TokensByModel = copyInt64s(r.snap.TokensByModel)

	if err := store.SaveJSON(r.path, snap); err != nil {
		r.logger.Warn("failed to write live metrics", "error", err.Error())
		return
	}
	r.lastWrite = r.now()
}

func copyInts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyInt64s(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
