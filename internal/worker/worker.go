// Package worker executes one task end to end: assess, plan, run the
// coding agent, verify, review, commit. Attempts escalate through model
// tiers on failure; a checkpoint is persisted at every phase boundary so
// an interrupted task resumes where it stopped.
package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/undercity-dev/undercity/internal/agent"
	"github.com/undercity-dev/undercity/internal/board"
	"github.com/undercity-dev/undercity/internal/complexity"
	"github.com/undercity-dev/undercity/internal/config"
	"github.com/undercity-dev/undercity/internal/errors"
	"github.com/undercity-dev/undercity/internal/gitops"
	"github.com/undercity-dev/undercity/internal/learning"
	"github.com/undercity-dev/undercity/internal/logging"
	"github.com/undercity-dev/undercity/internal/planner"
	"github.com/undercity-dev/undercity/internal/router"
	"github.com/undercity-dev/undercity/internal/store"
	"github.com/undercity-dev/undercity/internal/verify"
)

// Phases, strictly forward.
const (
	PhaseStarting  = "starting"
	PhasePlanning  = "planning"
	PhaseExecuting = "executing"
	PhaseVerifying = "verifying"
	PhaseReviewing = "reviewing"
	PhaseComplete  = "complete"
	PhaseFailed    = "failed"
)

// Task outcomes reported to the orchestrator.
const (
	OutcomeComplete        = "complete"
	OutcomeAlreadyComplete = "already_complete"
	OutcomeDecomposed      = "decomposed"
	OutcomeBlocked         = "blocked"
	OutcomeFailed          = "failed"
)

// Result is what a finished worker hands back.
type Result struct {
	TaskID        string
	Outcome       string
	Branch        string
	ModifiedFiles []string
	Subtasks      []string
	Reason        string
	Attempts      int
	Blocking      []store.Decision
}

// taskPlanner is the planner surface the worker drives.
type taskPlanner interface {
	Plan(ctx context.Context, objective, workDir, tier, taskID string) (*planner.Outcome, error)
}

// verifier re-checks the workspace after each attempt.
type verifier interface {
	Run(ctx context.Context, dir string, filesChanged []string) verify.Result
}

// gitter is the git surface the worker needs for branch management.
type gitter interface {
	CreateBranch(ctx context.Context, name string) error
	Checkout(ctx context.Context, name string) error
	CommitAll(ctx context.Context, message string) error
}

// Reviewer approves or rejects a finished change. A nil reviewer skips
// the reviewing phase.
type Reviewer interface {
	Review(ctx context.Context, objective string, files []string, tier string) (approved bool, issues []string, err error)
}

// fileWatcher captures files modified during an attempt.
type fileWatcher interface {
	Start() error
	Snapshot() []string
	Reset()
	Stop() error
}

// Worker runs tasks one at a time.
type Worker struct {
	id       string
	cfg      *config.Config
	db       *store.Store
	planner  taskPlanner
	runner   agent.Runner
	verifier verifier
	reviewer Reviewer
	rtr      *router.Router
	learning *learning.Store
	git      gitter
	executor gitops.CommandExecutor
	logger   *logging.Logger

	// newWatcher lets tests substitute the fsnotify watcher.
	newWatcher func(root string) (fileWatcher, error)

	// metrics feed the complexity assessor; zero is fine.
	metrics complexity.Metrics
}

// New creates a worker.
func New(id string, cfg *config.Config, db *store.Store, p taskPlanner, runner agent.Runner, v verifier, rtr *router.Router, ls *learning.Store, git gitter, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Worker{
		id:       id,
		cfg:      cfg,
		db:       db,
		planner:  p,
		runner:   runner,
		verifier: v,
		rtr:      rtr,
		learning: ls,
		git:      git,
		executor: gitops.CLIExecutor{},
		logger:   logger.WithWorker(id),
		newWatcher: func(root string) (fileWatcher, error) {
			return newFSWatcher(root, logger)
		},
	}
}

// WithReviewer installs a change reviewer.
func (w *Worker) WithReviewer(r Reviewer) *Worker {
	w.reviewer = r
	return w
}

// WithMetrics seeds repository metrics for complexity assessment.
func (w *Worker) WithMetrics(m complexity.Metrics) *Worker {
	w.metrics = m
	return w
}

// RunTask executes one task to a terminal outcome. The returned error is
// reserved for infrastructure failures; task-level failure is an
// OutcomeFailed result.
func (w *Worker) RunTask(ctx context.Context, task *board.Task, workDir string) (*Result, error) {
	log := w.logger.WithTask(task.ID)
	assessment := complexity.Assess(task.BareObjective(), w.metrics)
	log.Info("task assessed",
		"level", assessment.Level,
		"scope", assessment.EstimatedScope,
		"score", assessment.Score)

	if assessment.LocalTool != nil {
		return w.runLocalTool(ctx, task, workDir, assessment.LocalTool.Command, log)
	}

	st := w.restoreState(ctx, task, assessment)
	reviewLevel := w.rtr.DetermineReviewLevel(assessment)

	for st.attempt < w.cfg.Grind.MaxAttempts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		res, done, err := w.runAttempt(ctx, task, workDir, assessment, reviewLevel, st, log)
		if err != nil {
			return nil, err
		}
		if done {
			return res, nil
		}
	}

	return w.failPermanently(ctx, task, st, log)
}

// state is the mutable attempt bookkeeping, checkpointed between phases.
type state struct {
	phase        string
	tier         string
	attempt      int
	tierAttempts int
	noOpCount    int
	feedback     string
	branch       string
	branchMade   bool
	lastKind     errors.Kind
	lastMessage  string
	filesTouched []string
	plan         *planner.ExecutionPlan
}

// runAttempt performs one full plan→execute→verify→review cycle. done
// is true when the task reached a terminal outcome.
func (w *Worker) runAttempt(ctx context.Context, task *board.Task, workDir string, assessment complexity.Assessment, reviewLevel router.ReviewLevel, st *state, log *logging.Logger) (*Result, bool, error) {
	model := w.rtr.ModelFor(st.tier)

	// Planning.
	if assessment.Team.NeedsPlanning && st.plan == nil {
		w.advance(ctx, task.ID, st, PhasePlanning)
		outcome, err := w.planner.Plan(ctx, task.Objective, workDir, st.tier, task.ID)
		if err != nil {
			log.Warn("planning failed", "error", err.Error())
			w.recordAttempt(ctx, task, st, model, assessment.Level, false, errors.KindPlanning, err.Error(), nil)
			w.accountFailure(st, errors.KindPlanning, err.Error())
			return nil, false, nil
		}
		switch outcome.Status {
		case planner.StatusAlreadyComplete:
			w.advance(ctx, task.ID, st, PhaseComplete)
			return &Result{TaskID: task.ID, Outcome: OutcomeAlreadyComplete, Reason: outcome.Reason, Attempts: st.attempt}, true, nil
		case planner.StatusDecompose:
			return &Result{TaskID: task.ID, Outcome: OutcomeDecomposed, Subtasks: outcome.Subtasks, Reason: outcome.Reason, Attempts: st.attempt}, true, nil
		case planner.StatusBlocked:
			return &Result{TaskID: task.ID, Outcome: OutcomeBlocked, Reason: outcome.Reason, Blocking: outcome.Blocking, Attempts: st.attempt}, true, nil
		case planner.StatusRejected:
			w.recordAttempt(ctx, task, st, model, assessment.Level, false, errors.KindPlanning, outcome.Reason, nil)
			w.accountFailure(st, errors.KindPlanning, outcome.Reason)
			return nil, false, nil
		}
		st.plan = outcome.Plan
		if outcome.Tier != "" {
			st.tier = outcome.Tier
			model = w.rtr.ModelFor(st.tier)
		}
	}

	// Executing.
	w.advance(ctx, task.ID, st, PhaseExecuting)
	if err := w.ensureBranch(ctx, task, st); err != nil {
		return nil, false, err
	}

	files, agentRes, err := w.execute(ctx, task, workDir, model, st, log)
	if err != nil {
		kind := errors.Classify(err)
		log.Warn("agent attempt failed", "kind", string(kind), "error", err.Error())
		w.recordAttempt(ctx, task, st, model, assessment.Level, false, kind, err.Error(), files)
		w.accountFailure(st, kind, err.Error())
		return nil, false, nil
	}
	st.filesTouched = files

	// No-op detection.
	if len(files) == 0 {
		st.noOpCount++
		log.Info("attempt produced no file changes", "no_op_count", st.noOpCount)
		if st.noOpCount >= w.cfg.Grind.NoOpThreshold {
			w.advance(ctx, task.ID, st, PhaseComplete)
			return &Result{
				TaskID:  task.ID,
				Outcome: OutcomeAlreadyComplete,
				Reason:  fmt.Sprintf("%d consecutive attempts changed nothing", st.noOpCount),
				Branch:  st.branch,
			}, true, nil
		}
		w.recordAttempt(ctx, task, st, model, assessment.Level, false, errors.KindNoChanges, "no file modifications", nil)
		w.accountFailure(st, errors.KindNoChanges, "the previous attempt modified no files; make the change, do not just describe it")
		return nil, false, nil
	}
	st.noOpCount = 0

	// Verifying.
	w.advance(ctx, task.ID, st, PhaseVerifying)
	vres := w.verifier.Run(ctx, workDir, files)
	if !vres.Passed {
		kind := errors.KindTest
		if len(vres.Issues) > 0 {
			kind = vres.Issues[0].Kind
		}
		w.recordAttempt(ctx, task, st, model, assessment.Level, false, kind, vres.Feedback, files)
		if len(vres.Issues) > 0 && vres.Issues[0].Retryable {
			// Transient infrastructure failure: retry without burning
			// the tier budget.
			st.feedback = vres.Feedback
			st.attempt++
			return nil, false, nil
		}
		w.accountFailure(st, kind, vres.Feedback)
		return nil, false, nil
	}

	// Reviewing.
	if reviewLevel.Review && w.reviewer != nil {
		w.advance(ctx, task.ID, st, PhaseReviewing)
		approved, issues, err := w.reviewer.Review(ctx, task.Objective, files, reviewLevel.MaxReviewTier)
		if err != nil {
			log.Warn("review failed, accepting verified change", "error", err.Error())
		} else if !approved {
			feedback := "A reviewer rejected the change:\n- " + strings.Join(issues, "\n- ")
			w.recordAttempt(ctx, task, st, model, assessment.Level, false, errors.KindValidation, feedback, files)
			w.accountFailure(st, errors.KindValidation, feedback)
			return nil, false, nil
		}
	}

	// Commit and finish.
	if w.cfg.Grind.Commit {
		msg := commitMessage(task, agentRes)
		if err := w.git.CommitAll(ctx, msg); err != nil {
			log.Warn("commit failed", "error", err.Error())
		}
	}

	w.recordAttempt(ctx, task, st, model, assessment.Level, true, "", "", files)
	if w.learning != nil {
		if err := w.learning.RecordTaskOutcome(ctx, task.Objective, files, true); err != nil {
			log.Warn("failed to record task outcome", "error", err.Error())
		}
	}
	w.advance(ctx, task.ID, st, PhaseComplete)
	log.Info("task complete", "attempts", st.attempt+1, "files", len(files))

	return &Result{
		TaskID:        task.ID,
		Outcome:       OutcomeComplete,
		Branch:        st.branch,
		ModifiedFiles: files,
		Attempts:      st.attempt + 1,
	}, true, nil
}

// execute runs the coding agent once and returns the files it touched:
// its own report unioned with what the filesystem watcher saw.
func (w *Worker) execute(ctx context.Context, task *board.Task, workDir, model string, st *state, log *logging.Logger) ([]string, *agent.Result, error) {
	var watcher fileWatcher
	if w.newWatcher != nil {
		if fw, err := w.newWatcher(workDir); err == nil {
			watcher = fw
			if err := watcher.Start(); err != nil {
				watcher = nil
			}
		}
	}
	if watcher != nil {
		defer watcher.Stop()
	}

	events, err := w.runner.Run(ctx, agent.Request{
		Prompt:  w.buildPrompt(task, st),
		Model:   model,
		WorkDir: workDir,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("agent start failed: %w", err)
	}

	var (
		agentFiles []string
		result     *agent.Result
	)
	for ev := range events {
		switch e := ev.(type) {
		case agent.FileChange:
			agentFiles = append(agentFiles, e.Path)
		case agent.Result:
			r := e
			result = &r
		case agent.Message:
			log.Debug("agent", "text", truncateMsg(e.Text))
		}
	}

	if result == nil {
		return nil, nil, errors.NewAgentError("agent stream ended without result", errors.ErrAgentCrashed)
	}
	if result.Err != nil {
		return nil, result, result.Err
	}

	files := union(result.FilesModified, agentFiles)
	if watcher != nil {
		files = union(files, watcher.Snapshot())
	}
	return files, result, nil
}

// runLocalTool satisfies a trivial objective with a shell command, no
// model involved.
func (w *Worker) runLocalTool(ctx context.Context, task *board.Task, workDir, command string, log *logging.Logger) (*Result, error) {
	log.Info("running local tool", "command", command)
	out, err := w.executor.Run(ctx, workDir, "sh", "-c", command)
	if err != nil {
		return &Result{
			TaskID:  task.ID,
			Outcome: OutcomeFailed,
			Reason:  fmt.Sprintf("local tool failed: %s", strings.TrimSpace(string(out))),
		}, nil
	}
	if w.cfg.Grind.Commit {
		if err := w.git.CommitAll(ctx, "chore: "+task.BareObjective()); err != nil {
			log.Warn("commit failed", "error", err.Error())
		}
	}
	return &Result{TaskID: task.ID, Outcome: OutcomeComplete, Attempts: 1}, nil
}

// ---------------------------------------------------------------------------
// Attempt accounting

// accountFailure advances the attempt counters and escalates tiers when
// the same-tier budget is spent. It returns false when the global
// attempt budget is exhausted.
func (w *Worker) accountFailure(st *state, kind errors.Kind, feedback string) bool {
	st.attempt++
	st.tierAttempts++
	st.lastKind = kind
	st.lastMessage = feedback
	st.feedback = feedback

	if st.attempt >= w.cfg.Grind.MaxAttempts {
		return false
	}
	if st.tierAttempts >= w.cfg.Grind.MaxRetriesPerTier {
		if esc := w.rtr.GetNextModelTier(st.tier); esc.CanEscalate {
			w.logger.Info("escalating model tier", "from", st.tier, "to", esc.NextTier)
			st.tier = esc.NextTier
			st.tierAttempts = 0
		}
	}
	return true
}

// failPermanently records the exhausted task in the learning store.
func (w *Worker) failPermanently(ctx context.Context, task *board.Task, st *state, log *logging.Logger) (*Result, error) {
	log.Error("task failed permanently",
		"attempts", st.attempt,
		"last_kind", string(st.lastKind))

	if w.learning != nil {
		pf := store.PermanentFailure{
			TaskID:         task.ID,
			Signature:      learning.Signature(st.lastMessage),
			Category:       string(st.lastKind),
			SampleMessage:  st.lastMessage,
			Objective:      task.Objective,
			LastModel:      w.rtr.ModelFor(st.tier),
			AttemptCount:   st.attempt,
			FilesAttempted: st.filesTouched,
		}
		if _, err := w.learning.RecordPermanentFailure(ctx, pf); err != nil {
			log.Warn("failed to record permanent failure", "error", err.Error())
		}
		if err := w.learning.RecordTaskOutcome(ctx, task.Objective, st.filesTouched, false); err != nil {
			log.Warn("failed to record task outcome", "error", err.Error())
		}
	}
	w.advance(ctx, task.ID, st, PhaseFailed)

	return &Result{
		TaskID:   task.ID,
		Outcome:  OutcomeFailed,
		Branch:   st.branch,
		Reason:   st.lastMessage,
		Attempts: st.attempt,
	}, nil
}

func (w *Worker) recordAttempt(ctx context.Context, task *board.Task, st *state, model, level string, success bool, kind errors.Kind, message string, files []string) {
	a := &store.Attempt{
		TaskID:        task.ID,
		Number:        st.attempt + 1,
		Model:         model,
		Complexity:    level,
		Success:       success,
		ErrorKind:     string(kind),
		ErrorMessage:  truncateMsg(message),
		FilesModified: files,
	}
	if err := w.db.AppendAttempt(ctx, a); err != nil {
		w.logger.Warn("failed to record attempt", "error", err.Error())
	}
}

// ---------------------------------------------------------------------------
// Prompt and branch plumbing

func (w *Worker) ensureBranch(ctx context.Context, task *board.Task, st *state) error {
	if st.branchMade {
		return nil
	}
	st.branch = branchName(task.ID)
	if err := w.git.CreateBranch(ctx, st.branch); err != nil {
		// The branch may survive from an interrupted run.
		if checkoutErr := w.git.Checkout(ctx, st.branch); checkoutErr != nil {
			return fmt.Errorf("failed to create work branch: %w", err)
		}
	}
	st.branchMade = true
	return nil
}

func (w *Worker) buildPrompt(task *board.Task, st *state) string {
	var b strings.Builder
	b.WriteString("Objective: ")
	b.WriteString(task.BareObjective())
	b.WriteString("\n")

	if st.plan != nil {
		b.WriteString("\nFollow this plan:\n")
		for i, step := range st.plan.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
		if len(st.plan.FilesToModify) > 0 {
			fmt.Fprintf(&b, "Files to modify: %s\n", strings.Join(st.plan.FilesToModify, ", "))
		}
		for _, d := range st.plan.ResolvedDecisions {
			fmt.Fprintf(&b, "Decision already made: %s -> %s\n", d.Question, d.Decision)
		}
	}
	if hc := task.HandoffContext; hc != nil && hc.PriorError != "" {
		fmt.Fprintf(&b, "\nA previous session failed with: %s\n", hc.PriorError)
	}
	if st.feedback != "" {
		fmt.Fprintf(&b, "\nThe previous attempt failed. Address this feedback:\n%s\n", st.feedback)
	}
	b.WriteString("\nMake the change directly in the working tree. Keep the diff minimal.")
	return b.String()
}

func branchName(taskID string) string {
	id := taskID
	if len(id) > 8 {
		id = id[:8]
	}
	return "undercity/task-" + id
}

func commitMessage(task *board.Task, res *agent.Result) string {
	if res != nil && res.Message != "" {
		if first, _, found := strings.Cut(res.Message, "\n"); found {
			return first
		}
		return res.Message
	}
	return task.BareObjective()
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func truncateMsg(s string) string {
	const max = 1000
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
