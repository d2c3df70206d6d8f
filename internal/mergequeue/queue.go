// Package mergequeue serializes the integration of completed work
// branches. Workers run in parallel but branches land one at a time:
// rebase onto the base branch, re-run tests, merge, push. Failures are
// retried with backoff and never cost the branch.
package mergequeue

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/undercity-dev/undercity/internal/config"
	"github.com/undercity-dev/undercity/internal/errors"
	"github.com/undercity-dev/undercity/internal/logging"
	"github.com/undercity-dev/undercity/internal/verify"
)

// Item statuses. complete is terminal; failed and test_failed items are
// retried with backoff until maxRetries.
const (
	StatusPending    = "pending"
	StatusRebasing   = "rebasing"
	StatusTesting    = "testing"
	StatusMerging    = "merging"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
	StatusTestFailed = "test_failed"
)

// Conflict severities.
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// conflictWarningLimit is the overlap size up to which a conflict is a
// warning rather than an error.
const conflictWarningLimit = 3

// Item is one completed branch awaiting integration.
type Item struct {
	ID             string     `json:"id"`
	Branch         string     `json:"branch"`
	TaskID         string     `json:"taskId"`
	AgentID        string     `json:"agentId,omitempty"`
	QueuedAt       time.Time  `json:"queuedAt"`
	Status         string     `json:"status"`
	RetryCount     int        `json:"retryCount"`
	NextRetryAfter time.Time  `json:"nextRetryAfter,omitempty"`
	OriginalError  string     `json:"originalError,omitempty"`
	CurrentError   string     `json:"currentError,omitempty"`
	Strategy       string     `json:"strategy,omitempty"`
	ConflictFiles  []string   `json:"conflictFiles,omitempty"`
	ModifiedFiles  []string   `json:"modifiedFiles,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// Conflict is a predicted file overlap between two queued items.
type Conflict struct {
	BranchA  string   `json:"branchA"`
	BranchB  string   `json:"branchB"`
	Files    []string `json:"files"`
	Severity string   `json:"severity"`
}

// gitRunner is the slice of the git surface the queue drives.
type gitRunner interface {
	Checkout(ctx context.Context, name string) error
	Rebase(ctx context.Context, onto string) error
	RebaseAbort(ctx context.Context) error
	Merge(ctx context.Context, branch, strategy string) error
	MergeAbort(ctx context.Context) error
	Push(ctx context.Context, branch string) error
	ConflictFiles(ctx context.Context) ([]string, error)
}

// tester re-runs verification after a rebase.
type tester interface {
	Run(ctx context.Context, dir string, filesChanged []string) verify.Result
}

// Queue is the serial merge queue.
type Queue struct {
	mu sync.Mutex

	cfg        config.MergeQueueConfig
	git        gitRunner
	tester     tester
	baseBranch string
	workDir    string
	items      []*Item
	logger     *logging.Logger
	now        func() time.Time
	jitter     func() float64
}

// New creates a merge queue integrating into baseBranch. The tester may
// be nil to skip post-rebase verification.
func New(cfg config.MergeQueueConfig, git gitRunner, tester tester, baseBranch, workDir string, logger *logging.Logger) *Queue {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Queue{
		cfg:        cfg,
		git:        git,
		tester:     tester,
		baseBranch: baseBranch,
		workDir:    workDir,
		logger:     logger,
		now:        time.Now,
		jitter:     rand.Float64,
	}
}

// Add enqueues one completed branch.
func (q *Queue) Add(branch, taskID, agentID string, modifiedFiles []string) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := &Item{
		ID:            uuid.NewString(),
		Branch:        branch,
		TaskID:        taskID,
		AgentID:       agentID,
		QueuedAt:      q.now(),
		Status:        StatusPending,
		Strategy:      q.cfg.Strategy,
		ModifiedFiles: append([]string(nil), modifiedFiles...),
	}
	q.items = append(q.items, item)
	q.logger.Info("branch queued for merge", "branch", branch, "task_id", taskID)
	return item
}

// Items returns a snapshot of the queue.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	for i, item := range q.items {
		out[i] = *item
	}
	return out
}

// Depth counts items still waiting for integration.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := 0
	for _, item := range q.items {
		if item.Status != StatusComplete {
			depth++
		}
	}
	return depth
}

// CheckConflictsBeforeAdd compares a candidate file set against every
// item that is not yet complete, optionally excluding one branch.
func (q *Queue) CheckConflictsBeforeAdd(files []string, excludeBranch string) []Conflict {
	q.mu.Lock()
	defer q.mu.Unlock()

	var conflicts []Conflict
	for _, item := range q.items {
		if item.Status == StatusComplete || item.Branch == excludeBranch {
			continue
		}
		if overlap := intersect(files, item.ModifiedFiles); len(overlap) > 0 {
			conflicts = append(conflicts, Conflict{
				BranchB:  item.Branch,
				Files:    overlap,
				Severity: severityFor(overlap),
			})
		}
	}
	return conflicts
}

// DetectQueueConflicts returns every pairwise file overlap between
// incomplete queued items. Each pair is reported once, symmetric in its
// members.
func (q *Queue) DetectQueueConflicts() []Conflict {
	q.mu.Lock()
	defer q.mu.Unlock()

	var conflicts []Conflict
	for i := 0; i < len(q.items); i++ {
		if q.items[i].Status == StatusComplete {
			continue
		}
		for j := i + 1; j < len(q.items); j++ {
			if q.items[j].Status == StatusComplete {
				continue
			}
			overlap := intersect(q.items[i].ModifiedFiles, q.items[j].ModifiedFiles)
			if len(overlap) == 0 {
				continue
			}
			conflicts = append(conflicts, Conflict{
				BranchA:  q.items[i].Branch,
				BranchB:  q.items[j].Branch,
				Files:    overlap,
				Severity: severityFor(overlap),
			})
		}
	}
	return conflicts
}

// ProcessAll drains the queue serially. After every successful merge,
// previously failed items become eligible again: the conflict that broke
// them may have merged away.
func (q *Queue) ProcessAll(ctx context.Context) error {
	if !q.cfg.Enabled {
		return nil
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		item := q.nextEligible()
		if item == nil {
			return nil
		}

		if err := q.processOne(ctx, item); err != nil {
			q.recordFailure(item, err)
			continue
		}
		q.markComplete(item)
		q.requeueFailed()
	}
}

// nextEligible picks the oldest pending item, falling back to retryable
// failures whose backoff has elapsed.
func (q *Queue) nextEligible() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if item.Status == StatusPending {
			return item
		}
	}
	for _, item := range q.items {
		if (item.Status == StatusFailed || item.Status == StatusTestFailed) &&
			item.RetryCount <= q.cfg.MaxRetries &&
			!item.NextRetryAfter.After(q.now()) {
			return item
		}
	}
	return nil
}

// processOne runs rebase → test → merge → push for a single item. Only
// one item is ever inside this method at a time.
func (q *Queue) processOne(ctx context.Context, item *Item) error {
	log := q.logger.WithTask(item.TaskID)
	log.Info("integrating branch", "branch", item.Branch, "attempt", item.RetryCount+1)

	q.setStatus(item, StatusRebasing)
	if err := q.git.Checkout(ctx, item.Branch); err != nil {
		return fmt.Errorf("checkout %s: %w", item.Branch, err)
	}
	if err := q.git.Rebase(ctx, q.baseBranch); err != nil {
		conflictFiles, _ := q.git.ConflictFiles(ctx)
		if abortErr := q.git.RebaseAbort(ctx); abortErr != nil {
			log.Warn("rebase abort failed", "error", abortErr.Error())
		}
		q.setConflictFiles(item, conflictFiles)
		return errors.NewMergeError("rebase failed", err).
			WithBranch(item.Branch).WithConflictFiles(conflictFiles)
	}

	if q.tester != nil {
		q.setStatus(item, StatusTesting)
		if res := q.tester.Run(ctx, q.workDir, item.ModifiedFiles); !res.Passed {
			q.mu.Lock()
			item.Status = StatusTestFailed
			q.mu.Unlock()
			return errors.NewMergeError("tests failed after rebase", nil).
				WithBranch(item.Branch)
		}
	}

	q.setStatus(item, StatusMerging)
	if err := q.git.Checkout(ctx, q.baseBranch); err != nil {
		return fmt.Errorf("checkout %s: %w", q.baseBranch, err)
	}
	if err := q.git.Merge(ctx, item.Branch, ""); err != nil {
		// Fast-forward failed; one retry with the configured strategy.
		if abortErr := q.git.MergeAbort(ctx); abortErr != nil {
			log.Warn("merge abort failed", "error", abortErr.Error())
		}
		strategy := item.Strategy
		if strategy == "" || strategy == "default" {
			conflictFiles, _ := q.git.ConflictFiles(ctx)
			q.setConflictFiles(item, conflictFiles)
			return errors.NewMergeError("merge conflict", err).
				WithBranch(item.Branch).WithConflictFiles(conflictFiles)
		}
		if err := q.git.Merge(ctx, item.Branch, strategy); err != nil {
			if abortErr := q.git.MergeAbort(ctx); abortErr != nil {
				log.Warn("merge abort failed", "error", abortErr.Error())
			}
			return errors.NewMergeError("merge failed with strategy", err).
				WithBranch(item.Branch).WithStrategy(strategy)
		}
	}

	if err := q.git.Push(ctx, q.baseBranch); err != nil {
		return errors.NewMergeError("push failed", err).WithBranch(item.Branch)
	}

	log.Info("branch merged", "branch", item.Branch)
	return nil
}

// recordFailure schedules the item's next retry. The branch itself is
// never deleted.
func (q *Queue) recordFailure(item *Item, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.OriginalError == "" {
		item.OriginalError = err.Error()
	}
	item.CurrentError = err.Error()
	if item.Status != StatusTestFailed {
		item.Status = StatusFailed
	}
	item.RetryCount++
	item.NextRetryAfter = q.now().Add(q.backoff(item.RetryCount))

	q.logger.Warn("branch integration failed",
		"branch", item.Branch,
		"retry_count", item.RetryCount,
		"error", err.Error())
}

func (q *Queue) markComplete(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item.Status = StatusComplete
	done := q.now()
	item.CompletedAt = &done
}

// requeueFailed clears backoff timers on failed items so they get
// another attempt right away.
func (q *Queue) requeueFailed() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if (item.Status == StatusFailed || item.Status == StatusTestFailed) &&
			item.RetryCount <= q.cfg.MaxRetries {
			item.NextRetryAfter = q.now()
		}
	}
}

func (q *Queue) setStatus(item *Item, status string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item.Status = status
}

func (q *Queue) setConflictFiles(item *Item, files []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item.ConflictFiles = files
}

// backoff is baseDelay · 2^(n-1) plus up to 25% jitter, capped at
// maxDelay.
func (q *Queue) backoff(retryCount int) time.Duration {
	d := q.cfg.BaseDelay()
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= q.cfg.MaxDelay() {
			break
		}
	}
	d += time.Duration(q.jitter() * 0.25 * float64(d))
	if d > q.cfg.MaxDelay() {
		d = q.cfg.MaxDelay()
	}
	return d
}

func severityFor(overlap []string) string {
	if len(overlap) > conflictWarningLimit {
		return SeverityError
	}
	return SeverityWarning
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	var out []string
	for _, f := range b {
		if set[f] {
			out = append(out, f)
			set[f] = false
		}
	}
	sort.Strings(out)
	return out
}
