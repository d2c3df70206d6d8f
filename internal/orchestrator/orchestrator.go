// Package orchestrator runs the batch loop: it pulls ready tasks from
// the board, dispatches up to maxConcurrent workers in parallel, feeds
// completed branches to the merge queue, and persists recovery state so
// an interrupted batch resumes where it stopped.
package orchestrator

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/undercity-dev/undercity/internal/board"
	"github.com/undercity-dev/undercity/internal/config"
	"github.com/undercity-dev/undercity/internal/guard"
	"github.com/undercity-dev/undercity/internal/logging"
	"github.com/undercity-dev/undercity/internal/mergequeue"
	"github.com/undercity-dev/undercity/internal/meta"
	"github.com/undercity-dev/undercity/internal/metrics"
	"github.com/undercity-dev/undercity/internal/store"
	"github.com/undercity-dev/undercity/internal/worker"
)

const (
	minParallel = 1
	maxParallel = 5

	// idlePoll bounds how long the loop sleeps while paused or while
	// waiting for a blocked board to change.
	idlePoll = 2 * time.Second

	// stopGrace is how long Run waits for in-flight workers after a
	// stop request before checkpointing and abandoning them.
	stopGrace = 30 * time.Second

	keptCheckpoints = 5
)

// TaskRunner executes one task to a terminal outcome.
type TaskRunner interface {
	RunTask(ctx context.Context, task *board.Task, workDir string) (*worker.Result, error)
}

// integrator is the merge-queue surface the orchestrator drives.
type integrator interface {
	Add(branch, taskID, agentID string, modifiedFiles []string) *mergequeue.Item
	ProcessAll(ctx context.Context) error
	Depth() int
}

// usageChecker gates dispatch on rate-limit headroom.
type usageChecker interface {
	CheckUsage() guard.CheckResult
}

// metaRunner handles board-maintenance tasks.
type metaRunner interface {
	Run(ctx context.Context, metaTask *board.Task, tier string) ([]meta.Recommendation, error)
}

// Options tune a single Run.
type Options struct {
	// MaxTasks stops dispatching after this many tasks; 0 means drain
	// the board.
	MaxTasks int

	// Parallel overrides the configured worker count when non-zero.
	Parallel int
}

// Summary reports what a batch accomplished.
type Summary struct {
	BatchID    string
	Dispatched int
	Completed  int
	Failed     int
	Blocked    int
}

// batchState is the recovery document persisted at every completion.
type batchState struct {
	BatchID   string    `json:"batchId"`
	StartedAt time.Time `json:"startedAt"`
	Pending   []string  `json:"pendingTaskIds"`
	Completed []string  `json:"completedTaskIds"`
	Failed    []string  `json:"failedTaskIds"`
}

// Orchestrator is the batch dispatcher.
type Orchestrator struct {
	cfg       *config.Config
	db        *store.Store
	board     *board.Board
	queue     integrator
	guard     usageChecker
	metaEng   metaRunner
	newWorker func(id string) TaskRunner
	rec       *metrics.Recorder
	workDir   string
	logger    *logging.Logger

	paused   atomic.Bool
	stopping atomic.Bool

	poll time.Duration
	now  func() time.Time
}

// New creates an orchestrator. The worker factory is called once per
// dispatched task with a unique worker id.
func New(cfg *config.Config, db *store.Store, b *board.Board, queue integrator, g usageChecker, newWorker func(id string) TaskRunner, workDir string, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Orchestrator{
		cfg:       cfg,
		db:        db,
		board:     b,
		queue:     queue,
		guard:     g,
		newWorker: newWorker,
		workDir:   workDir,
		logger:    logger,
		poll:      idlePoll,
		now:       time.Now,
	}
}

// WithMetaEngine wires the board-maintenance engine for meta tasks.
func (o *Orchestrator) WithMetaEngine(m metaRunner) *Orchestrator {
	o.metaEng = m
	return o
}

// WithMetrics wires the live metrics recorder.
func (o *Orchestrator) WithMetrics(rec *metrics.Recorder) *Orchestrator {
	o.rec = rec
	return o
}

// Pause stops dispatching new workers; in-flight workers finish.
func (o *Orchestrator) Pause() {
	o.paused.Store(true)
	if o.rec != nil {
		o.rec.SetPaused(true)
	}
	o.logger.Info("orchestrator paused")
}

// Resume re-enables dispatch after a Pause.
func (o *Orchestrator) Resume() {
	o.paused.Store(false)
	if o.rec != nil {
		o.rec.SetPaused(false)
	}
	o.logger.Info("orchestrator resumed")
}

// Paused reports whether dispatch is currently suspended.
func (o *Orchestrator) Paused() bool {
	return o.paused.Load()
}

// Stop asks the running batch to wind down: no new dispatch, in-flight
// workers get a grace period, then the batch is checkpointed.
func (o *Orchestrator) Stop() {
	o.stopping.Store(true)
	o.logger.Info("orchestrator stop requested")
}

type dispatchResult struct {
	task *board.Task
	res  *worker.Result
	err  error
}

// Run processes the board until it drains, the task limit is reached,
// or a stop arrives. It resumes an interrupted batch before starting a
// new one.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Summary, error) {
	o.stopping.Store(false)
	parallel := clampParallel(opts.Parallel, o.cfg.Grind.Parallel)

	batch, resumed, err := o.openBatch(ctx)
	if err != nil {
		return nil, err
	}
	log := o.logger.WithBatch(batch.ID)
	if o.rec != nil {
		o.rec.SetBatch(batch.ID)
	}
	if resumed {
		log.Info("resuming interrupted batch", "started_at", batch.StartedAt)
	} else {
		log.Info("batch started", "parallel", parallel, "max_tasks", opts.MaxTasks)
	}

	summary := &Summary{BatchID: batch.ID}
	state := &batchState{BatchID: batch.ID, StartedAt: batch.StartedAt}

	results := make(chan dispatchResult, maxParallel)
	inFlight := make(map[string]*board.Task)
	workerSeq := 0

	for {
		interrupted := o.stopping.Load() || ctx.Err() != nil

		if !interrupted {
			workerSeq = o.dispatch(ctx, batch.ID, parallel, opts.MaxTasks, summary, inFlight, results, workerSeq, log)
		}

		if len(inFlight) == 0 {
			if interrupted {
				break
			}
			ready, err := o.hasDispatchable(ctx, inFlight)
			if err != nil {
				return summary, err
			}
			limitReached := opts.MaxTasks > 0 && summary.Dispatched >= opts.MaxTasks
			if limitReached || (!ready && !o.Paused()) {
				break
			}
			// Paused, rate-limited, or waiting on blocked tasks.
			select {
			case <-ctx.Done():
				continue
			case <-time.After(o.poll):
				continue
			}
		}

		if interrupted {
			o.drainInFlight(batch.ID, inFlight, results, summary, state, log)
			break
		}

		select {
		case <-ctx.Done():
			continue
		case r := <-results:
			delete(inFlight, r.task.ID)
			o.handleResult(ctx, r, summary, log)
			o.checkpoint(ctx, batch.ID, state, summary, r)
			o.publishMetrics(ctx)
		case <-time.After(o.poll):
		}
	}

	o.closeBatch(ctx, batch, summary)
	log.Info("batch finished",
		"dispatched", summary.Dispatched,
		"completed", summary.Completed,
		"failed", summary.Failed)
	return summary, nil
}

// dispatch fills free worker slots with ready tasks. Returns the
// updated worker sequence number.
func (o *Orchestrator) dispatch(ctx context.Context, batchID string, parallel, maxTasks int, summary *Summary, inFlight map[string]*board.Task, results chan<- dispatchResult, workerSeq int, log *logging.Logger) int {
	for len(inFlight) < parallel {
		if o.Paused() {
			return workerSeq
		}
		if maxTasks > 0 && summary.Dispatched >= maxTasks {
			return workerSeq
		}
		if check := o.guard.CheckUsage(); !check.Allowed {
			log.Warn("dispatch blocked by usage guard", "reason", check.Reason)
			return workerSeq
		}

		task, err := o.board.NextReady(ctx, busyFiles(inFlight), inFlightIDs(inFlight))
		if err != nil {
			log.Error("board selection failed", "error", err.Error())
			return workerSeq
		}
		if task == nil {
			return workerSeq
		}

		if _, err := o.board.SetStatus(ctx, task.ID, board.StatusInProgress); err != nil {
			log.Error("failed to mark task in progress", "task_id", task.ID, "error", err.Error())
			return workerSeq
		}
		task.BatchID = batchID
		if _, err := o.board.Update(ctx, task.ID, func(t *board.Task) error {
			t.BatchID = batchID
			return nil
		}); err != nil {
			log.Warn("failed to stamp batch id", "task_id", task.ID, "error", err.Error())
		}
		summary.Dispatched++
		workerSeq++
		workerID := workerName(workerSeq)

		inFlight[task.ID] = task
		log.Info("task dispatched",
			"task_id", task.ID,
			"worker", workerID,
			"in_flight", len(inFlight))

		go func(task *board.Task, workerID string) {
			res, err := o.runOne(ctx, task, workerID)
			results <- dispatchResult{task: task, res: res, err: err}
		}(task, workerID)
	}
	return workerSeq
}

// runOne executes a single task, routing meta tasks to the meta engine
// and everything else to a fresh worker.
func (o *Orchestrator) runOne(ctx context.Context, task *board.Task, workerID string) (*worker.Result, error) {
	if task.IsMeta() && o.metaEng != nil {
		applied, err := o.metaEng.Run(ctx, task, config.TierMid)
		if err != nil {
			return &worker.Result{
				TaskID:  task.ID,
				Outcome: worker.OutcomeFailed,
				Reason:  err.Error(),
			}, nil
		}
		o.logger.WithTask(task.ID).Info("meta task applied recommendations", "count", len(applied))
		return &worker.Result{TaskID: task.ID, Outcome: worker.OutcomeComplete}, nil
	}
	return o.newWorker(workerID).RunTask(ctx, task, o.workDir)
}

// handleResult applies a worker outcome to the board and feeds the
// merge queue. Worker failures never abort the batch.
func (o *Orchestrator) handleResult(ctx context.Context, r dispatchResult, summary *Summary, log *logging.Logger) {
	taskLog := log.WithTask(r.task.ID)

	if r.err != nil {
		taskLog.Error("worker infrastructure failure", "error", r.err.Error())
		summary.Failed++
		o.setStatus(ctx, r.task.ID, board.StatusFailed, taskLog)
		return
	}

	switch r.res.Outcome {
	case worker.OutcomeComplete:
		summary.Completed++
		o.setStatus(ctx, r.task.ID, board.StatusComplete, taskLog)
		o.integrate(ctx, r, taskLog)
	case worker.OutcomeAlreadyComplete:
		summary.Completed++
		taskLog.Info("task already complete", "reason", r.res.Reason)
		o.setStatus(ctx, r.task.ID, board.StatusComplete, taskLog)
	case worker.OutcomeDecomposed:
		taskLog.Info("task decomposed", "subtasks", len(r.res.Subtasks))
		if _, err := o.board.Decompose(ctx, r.task.ID, r.res.Subtasks); err != nil {
			taskLog.Error("decomposition failed", "error", err.Error())
			summary.Failed++
			o.setStatus(ctx, r.task.ID, board.StatusFailed, taskLog)
			return
		}
		// The parent re-dispatches once its subtasks finish.
		o.setStatus(ctx, r.task.ID, board.StatusPending, taskLog)
	case worker.OutcomeBlocked:
		summary.Blocked++
		if _, err := o.board.Block(ctx, r.task.ID, r.res.Reason); err != nil {
			taskLog.Error("failed to block task", "error", err.Error())
		}
	default:
		summary.Failed++
		taskLog.Warn("task failed", "reason", r.res.Reason, "attempts", r.res.Attempts)
		o.setStatus(ctx, r.task.ID, board.StatusFailed, taskLog)
	}
}

// integrate hands a completed branch to the merge queue and drains it.
func (o *Orchestrator) integrate(ctx context.Context, r dispatchResult, log *logging.Logger) {
	if o.queue == nil || r.res.Branch == "" {
		return
	}
	o.queue.Add(r.res.Branch, r.task.ID, "", r.res.ModifiedFiles)
	if err := o.queue.ProcessAll(ctx); err != nil {
		// Failed merges keep their branches; the queue retries later.
		log.Warn("merge queue pass incomplete", "error", err.Error())
	}
}

func (o *Orchestrator) setStatus(ctx context.Context, taskID string, status board.Status, log *logging.Logger) {
	if _, err := o.board.SetStatus(ctx, taskID, status); err != nil {
		log.Error("board transition failed", "status", string(status), "error", err.Error())
	}
}

// drainInFlight waits out the stop grace period for running workers,
// then checkpoints whatever state remains.
func (o *Orchestrator) drainInFlight(batchID string, inFlight map[string]*board.Task, results <-chan dispatchResult, summary *Summary, state *batchState, log *logging.Logger) {
	if len(inFlight) == 0 {
		return
	}
	log.Info("waiting for in-flight workers", "count", len(inFlight), "grace", stopGrace.String())

	// Board writes during shutdown get their own context; the run
	// context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()

	deadline := time.After(stopGrace)
	for len(inFlight) > 0 {
		select {
		case r := <-results:
			delete(inFlight, r.task.ID)
			o.handleResult(ctx, r, summary, log)
			o.checkpoint(ctx, batchID, state, summary, r)
		case <-deadline:
			for id := range inFlight {
				log.Warn("abandoning in-flight task", "task_id", id)
				o.setStatus(ctx, id, board.StatusPending, log)
			}
			o.saveState(ctx, batchID, state, log)
			return
		}
	}
}

// openBatch resumes the latest interrupted batch or starts a new one.
func (o *Orchestrator) openBatch(ctx context.Context) (*store.Batch, bool, error) {
	if latest, err := o.db.LatestBatch(ctx); err == nil && latest != nil && latest.Status == store.BatchRunning {
		// Tasks stranded in_progress by a crash go back to pending.
		stranded, err := o.board.List(ctx, board.StatusInProgress)
		if err == nil {
			for _, t := range stranded {
				o.setStatus(ctx, t.ID, board.StatusPending, o.logger)
			}
		}
		return latest, true, nil
	}

	batch := &store.Batch{
		ID:        uuid.NewString(),
		Status:    store.BatchRunning,
		StartedAt: o.now().UTC(),
	}
	if err := o.db.SaveBatch(ctx, batch); err != nil {
		return nil, false, err
	}
	return batch, false, nil
}

// closeBatch records final batch counters. Interrupted batches stay
// "interrupted" so the next Run resumes them.
func (o *Orchestrator) closeBatch(ctx context.Context, batch *store.Batch, summary *Summary) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	batch.TasksTotal = summary.Dispatched
	batch.TasksComplete = summary.Completed
	batch.TasksFailed = summary.Failed
	if o.stopping.Load() {
		batch.Status = store.BatchStopped
	} else {
		ended := o.now().UTC()
		batch.Status = store.BatchComplete
		batch.EndedAt = &ended
	}
	if err := o.db.SaveBatch(ctx, batch); err != nil {
		o.logger.Error("failed to record batch", "batch_id", batch.ID, "error", err.Error())
	}
}

// checkpoint folds one result into the recovery state and persists it.
func (o *Orchestrator) checkpoint(ctx context.Context, batchID string, state *batchState, summary *Summary, r dispatchResult) {
	switch {
	case r.err != nil:
		state.Failed = append(state.Failed, r.task.ID)
	case r.res.Outcome == worker.OutcomeComplete, r.res.Outcome == worker.OutcomeAlreadyComplete:
		state.Completed = append(state.Completed, r.task.ID)
	case r.res.Outcome == worker.OutcomeFailed:
		state.Failed = append(state.Failed, r.task.ID)
	}
	o.saveState(ctx, batchID, state, o.logger)
}

func (o *Orchestrator) saveState(ctx context.Context, batchID string, state *batchState, log *logging.Logger) {
	pending, err := o.board.List(ctx, board.StatusPending)
	if err == nil {
		state.Pending = state.Pending[:0]
		for _, t := range pending {
			state.Pending = append(state.Pending, t.ID)
		}
	}
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	if _, err := o.db.SaveCheckpoint(ctx, batchID, data); err != nil {
		log.Warn("failed to save batch checkpoint", "error", err.Error())
		return
	}
	if err := o.db.PruneCheckpoints(ctx, batchID, keptCheckpoints); err != nil {
		log.Warn("failed to prune batch checkpoints", "error", err.Error())
	}
}

// publishMetrics refreshes the live metrics side-file.
func (o *Orchestrator) publishMetrics(ctx context.Context) {
	if o.rec == nil {
		return
	}
	if counts, err := o.board.CountByStatus(ctx); err == nil {
		o.rec.SetTaskCounts(counts)
	}
	if o.queue != nil {
		o.rec.SetQueueDepth(o.queue.Depth())
	}
}

// hasDispatchable reports whether the board still holds a task that
// could run now or after in-flight work completes.
func (o *Orchestrator) hasDispatchable(ctx context.Context, inFlight map[string]*board.Task) (bool, error) {
	task, err := o.board.NextReady(ctx, busyFiles(inFlight), inFlightIDs(inFlight))
	if err != nil {
		return false, err
	}
	return task != nil, nil
}

func busyFiles(inFlight map[string]*board.Task) map[string]bool {
	files := make(map[string]bool)
	for _, t := range inFlight {
		for _, f := range t.EstimatedFiles {
			files[f] = true
		}
	}
	return files
}

func inFlightIDs(inFlight map[string]*board.Task) map[string]bool {
	ids := make(map[string]bool, len(inFlight))
	for id := range inFlight {
		ids[id] = true
	}
	return ids
}

func clampParallel(override, configured int) int {
	p := configured
	if override > 0 {
		p = override
	}
	if p < minParallel {
		return minParallel
	}
	if p > maxParallel {
		return maxParallel
	}
	return p
}

func workerName(seq int) string {
	return "worker-" + strconv.Itoa(seq)
}
