package worker

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/undercity-dev/undercity/internal/agent"
	"github.com/undercity-dev/undercity/internal/board"
	"github.com/undercity-dev/undercity/internal/complexity"
	"github.com/undercity-dev/undercity/internal/config"
	"github.com/undercity-dev/undercity/internal/learning"
	"github.com/undercity-dev/undercity/internal/planner"
	"github.com/undercity-dev/undercity/internal/router"
	"github.com/undercity-dev/undercity/internal/store"
	"github.com/undercity-dev/undercity/internal/verify"
)

type fakePlanner struct {
	outcomes []*planner.Outcome
	calls    int
}

func (f *fakePlanner) Plan(ctx context.Context, objective, workDir, tier, taskID string) (*planner.Outcome, error) {
	i := f.calls
	if i >= len(f.outcomes) {
		i = len(f.outcomes) - 1
	}
	f.calls++
	return f.outcomes[i], nil
}

type fakeRunner struct {
	scripts [][]agent.Event
	calls   int
	models  []string
	prompts []string
}

func (f *fakeRunner) Run(ctx context.Context, req agent.Request) (<-chan agent.Event, error) {
	f.models = append(f.models, req.Model)
	f.prompts = append(f.prompts, req.Prompt)
	i := f.calls
	if i >= len(f.scripts) {
		i = len(f.scripts) - 1
	}
	f.calls++

	script := f.scripts[i]
	ch := make(chan agent.Event, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func successScript(files ...string) []agent.Event {
	return []agent.Event{
		agent.Started{},
		agent.Result{Success: true, Message: "done", FilesModified: files},
	}
}

type fakeVerifier struct {
	results []verify.Result
	calls   int
}

func (f *fakeVerifier) Run(ctx context.Context, dir string, files []string) verify.Result {
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	return f.results[i]
}

type fakeGit struct {
	ops []string
}

func (f *fakeGit) CreateBranch(ctx context.Context, name string) error {
	f.ops = append(f.ops, "branch "+name)
	return nil
}
func (f *fakeGit) Checkout(ctx context.Context, name string) error {
	f.ops = append(f.ops, "checkout "+name)
	return nil
}
func (f *fakeGit) CommitAll(ctx context.Context, message string) error {
	f.ops = append(f.ops, "commit "+message)
	return nil
}

type fakeWatcher struct {
	files []string
}

func (f *fakeWatcher) Start() error       { return nil }
func (f *fakeWatcher) Snapshot() []string { return f.files }
func (f *fakeWatcher) Reset()             {}
func (f *fakeWatcher) Stop() error        { return nil }

type fakeExecutor struct {
	commands []string
	fail     bool
}

func (f *fakeExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	f.commands = append(f.commands, args[len(args)-1])
	if f.fail {
		return []byte("tool exploded"), errFake
	}
	return nil, nil
}

var errFake = &fakeError{}

type fakeError struct{}

func (*fakeError) Error() string { return "exit status 1" }

type fixture struct {
	worker   *Worker
	db       *store.Store
	runner   *fakeRunner
	verifier *fakeVerifier
	git      *fakeGit
	planner  *fakePlanner
	cfg      *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"), nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Grind.MaxAttempts = 4
	cfg.Grind.MaxRetriesPerTier = 1
	cfg.Grind.NoOpThreshold = 2
	cfg.Grind.Commit = true

	f := &fixture{
		db:       db,
		cfg:      cfg,
		runner:   &fakeRunner{scripts: [][]agent.Event{successScript("a.go")}},
		verifier: &fakeVerifier{results: []verify.Result{{Passed: true}}},
		git:      &fakeGit{},
		planner:  &fakePlanner{outcomes: []*planner.Outcome{{Status: planner.StatusApproved, Plan: &planner.ExecutionPlan{Steps: []string{"edit a.go"}}}}},
	}
	ls := learning.NewStore(db, nil)
	rtr := router.New(cfg, db, nil)
	f.worker = New("w1", cfg, db, f.planner, f.runner, f.verifier, rtr, ls, f.git, nil)
	f.worker.newWatcher = func(root string) (fileWatcher, error) {
		return &fakeWatcher{}, nil
	}
	return f
}

func task(objective string) *board.Task {
	return &board.Task{ID: "task-0001-abcd", Objective: objective, Status: board.StatusPending}
}

func TestRunTaskCompleteWithoutPlanning(t *testing.T) {
	f := newFixture(t)

	res, err := f.worker.RunTask(context.Background(), task("fix typo in README.md"), t.TempDir())
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if res.Outcome != OutcomeComplete {
		t.Fatalf("Outcome = %s (%s), want complete", res.Outcome, res.Reason)
	}
	if f.planner.calls != 0 {
		t.Errorf("planner called %d times for a trivial task, want 0", f.planner.calls)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if res.Branch == "" || !strings.HasPrefix(res.Branch, "undercity/task-") {
		t.Errorf("Branch = %q", res.Branch)
	}
	if len(res.ModifiedFiles) != 1 || res.ModifiedFiles[0] != "a.go" {
		t.Errorf("ModifiedFiles = %v", res.ModifiedFiles)
	}

	committed := false
	for _, op := range f.git.ops {
		if strings.HasPrefix(op, "commit ") {
			committed = true
		}
	}
	if !committed {
		t.Errorf("no commit recorded: %v", f.git.ops)
	}
}

func TestRunTaskPlansStandardWork(t *testing.T) {
	f := newFixture(t)

	res, err := f.worker.RunTask(context.Background(), task("add a retry feature to the fetcher"), t.TempDir())
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if res.Outcome != OutcomeComplete {
		t.Fatalf("Outcome = %s (%s), want complete", res.Outcome, res.Reason)
	}
	if f.planner.calls != 1 {
		t.Errorf("planner called %d times, want 1", f.planner.calls)
	}
	if !strings.Contains(f.runner.prompts[0], "edit a.go") {
		t.Errorf("agent prompt missing plan steps: %q", f.runner.prompts[0])
	}
}

func TestRunTaskEscalatesAfterVerifyFailure(t *testing.T) {
	f := newFixture(t)
	f.verifier.results = []verify.Result{
		{Passed: false, Feedback: "tests failed: TestFoo"},
		{Passed: true},
	}

	res, err := f.worker.RunTask(context.Background(), task("fix typo in README.md"), t.TempDir())
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if res.Outcome != OutcomeComplete {
		t.Fatalf("Outcome = %s (%s), want complete", res.Outcome, res.Reason)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	// maxRetriesPerTier is 1, so the second attempt runs one tier up.
	if len(f.runner.models) != 2 {
		t.Fatalf("agent ran %d times, want 2", len(f.runner.models))
	}
	if f.runner.models[0] != f.cfg.Models.Mid || f.runner.models[1] != f.cfg.Models.Top {
		t.Errorf("models = %v, want [mid top]", f.runner.models)
	}
	if !strings.Contains(f.runner.prompts[1], "TestFoo") {
		t.Errorf("second prompt missing verifier feedback: %q", f.runner.prompts[1])
	}
}

func TestRunTaskNoOpBecomesAlreadyComplete(t *testing.T) {
	f := newFixture(t)
	f.runner.scripts = [][]agent.Event{successScript()}

	res, err := f.worker.RunTask(context.Background(), task("fix typo in README.md"), t.TempDir())
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if res.Outcome != OutcomeAlreadyComplete {
		t.Fatalf("Outcome = %s, want already_complete", res.Outcome)
	}
	if f.runner.calls != f.cfg.Grind.NoOpThreshold {
		t.Errorf("agent ran %d times, want %d", f.runner.calls, f.cfg.Grind.NoOpThreshold)
	}
}

func TestRunTaskPermanentFailure(t *testing.T) {
	f := newFixture(t)
	f.cfg.Grind.MaxAttempts = 2
	f.verifier.results = []verify.Result{{Passed: false, Feedback: "broken"}}

	tk := task("fix typo in README.md")
	res, err := f.worker.RunTask(context.Background(), tk, t.TempDir())
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %s, want failed", res.Outcome)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}

	recorded, err := f.db.HasPermanentFailure(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("HasPermanentFailure failed: %v", err)
	}
	if !recorded {
		t.Error("permanent failure not recorded")
	}
}

func TestRunTaskPlannerShortCircuits(t *testing.T) {
	tests := []struct {
		name    string
		outcome *planner.Outcome
		want    string
	}{
		{"already complete", &planner.Outcome{Status: planner.StatusAlreadyComplete, Reason: "done"}, OutcomeAlreadyComplete},
		{"decompose", &planner.Outcome{Status: planner.StatusDecompose, Subtasks: []string{"a", "b"}}, OutcomeDecomposed},
		{"blocked", &planner.Outcome{Status: planner.StatusBlocked, Reason: "needs human"}, OutcomeBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.planner.outcomes = []*planner.Outcome{tt.outcome}

			res, err := f.worker.RunTask(context.Background(), task("add a retry feature to the fetcher"), t.TempDir())
			if err != nil {
				t.Fatalf("RunTask failed: %v", err)
			}
			if res.Outcome != tt.want {
				t.Errorf("Outcome = %s, want %s", res.Outcome, tt.want)
			}
			if f.runner.calls != 0 {
				t.Errorf("agent ran %d times, want 0", f.runner.calls)
			}
		})
	}
}

func TestRunTaskDecomposedCarriesSubtasks(t *testing.T) {
	f := newFixture(t)
	f.planner.outcomes = []*planner.Outcome{{
		Status:   planner.StatusDecompose,
		Subtasks: []string{"migrate package a", "migrate package b"},
	}}

	res, err := f.worker.RunTask(context.Background(), task("add a retry feature to the fetcher"), t.TempDir())
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if len(res.Subtasks) != 2 {
		t.Errorf("Subtasks = %v, want 2", res.Subtasks)
	}
}

func TestRunTaskLocalTool(t *testing.T) {
	f := newFixture(t)
	exec := &fakeExecutor{}
	f.worker.executor = exec

	res, err := f.worker.RunTask(context.Background(), task("run format"), t.TempDir())
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if res.Outcome != OutcomeComplete {
		t.Fatalf("Outcome = %s, want complete", res.Outcome)
	}
	if len(exec.commands) != 1 || exec.commands[0] != "pnpm format" {
		t.Errorf("commands = %v, want [pnpm format]", exec.commands)
	}
	if f.runner.calls != 0 {
		t.Errorf("agent ran %d times for a local tool, want 0", f.runner.calls)
	}
}

func TestRunTaskLocalToolFailure(t *testing.T) {
	f := newFixture(t)
	f.worker.executor = &fakeExecutor{fail: true}

	res, err := f.worker.RunTask(context.Background(), task("run format"), t.TempDir())
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("Outcome = %s, want failed", res.Outcome)
	}
	if !strings.Contains(res.Reason, "tool exploded") {
		t.Errorf("Reason = %q, want tool output", res.Reason)
	}
}

func TestRunTaskReviewRejectionRetries(t *testing.T) {
	f := newFixture(t)
	rejections := 0
	f.worker.WithReviewer(reviewerFunc(func(ctx context.Context, objective string, files []string, tier string) (bool, []string, error) {
		if rejections == 0 {
			rejections++
			return false, []string{"missing error handling"}, nil
		}
		return true, nil, nil
	}))

	// Complex objective so the review level turns reviews on.
	res, err := f.worker.RunTask(context.Background(), task("refactor the auth flow across the codebase"), t.TempDir())
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if res.Outcome != OutcomeComplete {
		t.Fatalf("Outcome = %s (%s), want complete", res.Outcome, res.Reason)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (one review rejection)", res.Attempts)
	}
	if !strings.Contains(f.runner.prompts[1], "missing error handling") {
		t.Errorf("retry prompt missing review feedback: %q", f.runner.prompts[1])
	}
}

type reviewerFunc func(ctx context.Context, objective string, files []string, tier string) (bool, []string, error)

func (f reviewerFunc) Review(ctx context.Context, objective string, files []string, tier string) (bool, []string, error) {
	return f(ctx, objective, files, tier)
}

func TestCheckpointRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st := &state{
		phase:        PhaseStarting,
		tier:         config.TierMid,
		attempt:      2,
		tierAttempts: 1,
		feedback:     "previous failure",
		branch:       "undercity/task-abc",
		branchMade:   true,
	}
	f.worker.advance(ctx, "task-x", st, PhaseExecuting)

	tk := &board.Task{ID: "task-x", Objective: "fix typo in README.md"}
	restored := f.worker.restoreState(ctx, tk, complexity.Assess("fix typo in README.md", complexity.Metrics{}))

	if restored.phase != PhaseExecuting {
		t.Errorf("phase = %s, want executing", restored.phase)
	}
	if restored.attempt != 2 || restored.tierAttempts != 1 {
		t.Errorf("attempt = %d/%d, want 2/1", restored.attempt, restored.tierAttempts)
	}
	if restored.feedback != "previous failure" {
		t.Errorf("feedback = %q", restored.feedback)
	}
	if !restored.branchMade || restored.branch != "undercity/task-abc" {
		t.Errorf("branch = %q made=%v", restored.branch, restored.branchMade)
	}
}

func TestAdvanceRefusesBackwardTransitions(t *testing.T) {
	f := newFixture(t)
	st := &state{phase: PhaseVerifying, tier: config.TierMid}

	f.worker.advance(context.Background(), "task-y", st, PhasePlanning)
	if st.phase != PhaseVerifying {
		t.Errorf("phase moved backward to %s", st.phase)
	}

	f.worker.advance(context.Background(), "task-y", st, PhaseExecuting)
	if st.phase != PhaseExecuting {
		t.Errorf("re-entering executing should be allowed, got %s", st.phase)
	}
}
