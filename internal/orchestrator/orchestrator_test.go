package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/undercity-dev/undercity/internal/board"
	"github.com/undercity-dev/undercity/internal/config"
	"github.com/undercity-dev/undercity/internal/guard"
	"github.com/undercity-dev/undercity/internal/mergequeue"
	"github.com/undercity-dev/undercity/internal/meta"
	"github.com/undercity-dev/undercity/internal/store"
	"github.com/undercity-dev/undercity/internal/worker"
)

type fakeQueue struct {
	mu        sync.Mutex
	branches  []string
	processed int
}

func (q *fakeQueue) Add(branch, taskID, agentID string, modifiedFiles []string) *mergequeue.Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.branches = append(q.branches, branch)
	return &mergequeue.Item{Branch: branch, TaskID: taskID}
}

func (q *fakeQueue) ProcessAll(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processed++
	return nil
}

func (q *fakeQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.branches) - q.processed
}

type fakeGuard struct {
	mu     sync.Mutex
	blocks int
}

func (g *fakeGuard) CheckUsage() guard.CheckResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.blocks > 0 {
		g.blocks--
		return guard.CheckResult{Allowed: false, Reason: "window budget exhausted"}
	}
	return guard.CheckResult{Allowed: true}
}

// scriptedWorkers hands out per-objective outcome scripts, consumed in
// order. Objectives without a script complete with a branch.
type scriptedWorkers struct {
	mu       sync.Mutex
	outcomes map[string][]*worker.Result
	ran      []string
	onRun    func(objective string)
}

func (s *scriptedWorkers) RunTask(ctx context.Context, task *board.Task, workDir string) (*worker.Result, error) {
	s.mu.Lock()
	s.ran = append(s.ran, task.Objective)
	var scripted *worker.Result
	if q := s.outcomes[task.Objective]; len(q) > 0 {
		scripted = q[0]
		s.outcomes[task.Objective] = q[1:]
	}
	onRun := s.onRun
	s.mu.Unlock()

	if onRun != nil {
		onRun(task.Objective)
	}
	if scripted != nil {
		res := *scripted
		res.TaskID = task.ID
		return &res, nil
	}
	return &worker.Result{
		TaskID:  task.ID,
		Outcome: worker.OutcomeComplete,
		Branch:  "undercity/task-" + task.ID[:8],
	}, nil
}

func (s *scriptedWorkers) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ran)
}

type fixture struct {
	db      *store.Store
	board   *board.Board
	queue   *fakeQueue
	guard   *fakeGuard
	workers *scriptedWorkers
	orch    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"), nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		db:      db,
		board:   board.New(db, nil),
		queue:   &fakeQueue{},
		guard:   &fakeGuard{},
		workers: &scriptedWorkers{outcomes: map[string][]*worker.Result{}},
	}
	cfg := config.Default()
	cfg.Grind.Parallel = 2
	f.orch = New(cfg, db, f.board, f.queue, f.guard, func(id string) TaskRunner { return f.workers }, t.TempDir(), nil)
	f.orch.poll = 5 * time.Millisecond
	return f
}

func (f *fixture) addTask(t *testing.T, objective string) *board.Task {
	t.Helper()
	tk := &board.Task{Objective: objective}
	if err := f.board.Add(context.Background(), tk); err != nil {
		t.Fatalf("failed to add task: %v", err)
	}
	return tk
}

func (f *fixture) status(t *testing.T, id string) board.Status {
	t.Helper()
	tk, err := f.board.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("task lookup failed: %v", err)
	}
	return tk.Status
}

func TestRunDrainsBoard(t *testing.T) {
	f := newFixture(t)
	a := f.addTask(t, "fix the login bug")
	b := f.addTask(t, "add request logging")
	c := f.addTask(t, "update the readme")

	summary, err := f.orch.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.Dispatched != 3 || summary.Completed != 3 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want 3 dispatched, 3 completed", summary)
	}
	for _, id := range []string{a.ID, b.ID, c.ID} {
		if got := f.status(t, id); got != board.StatusComplete {
			t.Errorf("task %s status = %s, want complete", id, got)
		}
	}
	if len(f.queue.branches) != 3 {
		t.Errorf("queued branches = %d, want 3", len(f.queue.branches))
	}
	if f.queue.processed != 3 {
		t.Errorf("queue passes = %d, want 3", f.queue.processed)
	}

	batch, err := f.db.GetBatch(context.Background(), summary.BatchID)
	if err != nil {
		t.Fatalf("batch lookup failed: %v", err)
	}
	if batch.Status != store.BatchComplete || batch.TasksComplete != 3 {
		t.Errorf("batch = %+v, want complete with 3 tasks", batch)
	}
}

func TestRunRespectsMaxTasks(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "first task")
	f.addTask(t, "second task")
	f.addTask(t, "third task")

	summary, err := f.orch.Run(context.Background(), Options{MaxTasks: 1, Parallel: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Dispatched != 1 {
		t.Errorf("dispatched = %d, want 1", summary.Dispatched)
	}

	pending, err := f.board.List(context.Background(), board.StatusPending)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending = %d, want 2", len(pending))
	}
}

func TestRunRecoversFromGuardBlock(t *testing.T) {
	f := newFixture(t)
	f.guard.blocks = 2
	f.addTask(t, "guarded task")

	summary, err := f.orch.Run(context.Background(), Options{Parallel: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Completed != 1 {
		t.Errorf("completed = %d, want 1 after guard unblocks", summary.Completed)
	}
}

func TestRunAppliesWorkerOutcomes(t *testing.T) {
	f := newFixture(t)
	blocked := f.addTask(t, "needs a human call")
	failed := f.addTask(t, "doomed work")
	f.workers.outcomes["needs a human call"] = []*worker.Result{
		{Outcome: worker.OutcomeBlocked, Reason: "production schema decision required"},
	}
	f.workers.outcomes["doomed work"] = []*worker.Result{
		{Outcome: worker.OutcomeFailed, Reason: "attempts exhausted"},
	}

	summary, err := f.orch.Run(context.Background(), Options{Parallel: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Blocked != 1 || summary.Failed != 1 {
		t.Errorf("summary = %+v, want 1 blocked and 1 failed", summary)
	}
	if got := f.status(t, blocked.ID); got != board.StatusBlocked {
		t.Errorf("blocked task status = %s", got)
	}
	if got := f.status(t, failed.ID); got != board.StatusFailed {
		t.Errorf("failed task status = %s", got)
	}
	if len(f.queue.branches) != 0 {
		t.Errorf("failed work reached the merge queue: %v", f.queue.branches)
	}
}

func TestRunDecomposesAndFinishesSubtasks(t *testing.T) {
	f := newFixture(t)
	parent := f.addTask(t, "rework the storage layer")
	f.workers.outcomes["rework the storage layer"] = []*worker.Result{
		{Outcome: worker.OutcomeDecomposed, Subtasks: []string{"extract the schema", "swap the driver"}},
		// Second visit, after subtasks complete.
		{Outcome: worker.OutcomeAlreadyComplete, Reason: "covered by subtasks"},
	}

	summary, err := f.orch.Run(context.Background(), Options{Parallel: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, err := f.board.Get(context.Background(), parent.ID)
	if err != nil {
		t.Fatalf("parent lookup failed: %v", err)
	}
	if len(got.SubtaskIDs) != 2 {
		t.Fatalf("subtasks = %d, want 2", len(got.SubtaskIDs))
	}
	if got.Status != board.StatusComplete {
		t.Errorf("parent status = %s, want complete", got.Status)
	}
	for _, id := range got.SubtaskIDs {
		if st := f.status(t, id); st != board.StatusComplete {
			t.Errorf("subtask %s status = %s, want complete", id, st)
		}
	}
	// Parent dispatched twice plus two subtasks.
	if summary.Dispatched != 4 {
		t.Errorf("dispatched = %d, want 4", summary.Dispatched)
	}
}

type fakeMeta struct {
	mu    sync.Mutex
	tasks []string
}

func (m *fakeMeta) Run(ctx context.Context, metaTask *board.Task, tier string) ([]meta.Recommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, metaTask.ID)
	return []meta.Recommendation{{Action: meta.ActionComplete, TaskID: "t-1"}}, nil
}

func TestRunRoutesMetaTasks(t *testing.T) {
	f := newFixture(t)
	metaEng := &fakeMeta{}
	f.orch.WithMetaEngine(metaEng)
	mt := f.addTask(t, "[meta:triage] clean up the board")

	summary, err := f.orch.Run(context.Background(), Options{Parallel: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Completed != 1 {
		t.Errorf("completed = %d, want 1", summary.Completed)
	}
	if len(metaEng.tasks) != 1 || metaEng.tasks[0] != mt.ID {
		t.Errorf("meta engine ran for %v, want [%s]", metaEng.tasks, mt.ID)
	}
	if f.workers.runCount() != 0 {
		t.Errorf("meta task reached a worker: %v", f.workers.ran)
	}
	if got := f.status(t, mt.ID); got != board.StatusComplete {
		t.Errorf("meta task status = %s, want complete", got)
	}
}

func TestRunResumesInterruptedBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prior := &store.Batch{ID: "batch-prior", Status: store.BatchRunning, StartedAt: time.Now().UTC()}
	if err := f.db.SaveBatch(ctx, prior); err != nil {
		t.Fatalf("SaveBatch failed: %v", err)
	}
	stranded := f.addTask(t, "work interrupted by a crash")
	if _, err := f.board.SetStatus(ctx, stranded.ID, board.StatusInProgress); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	summary, err := f.orch.Run(ctx, Options{Parallel: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.BatchID != "batch-prior" {
		t.Errorf("batch id = %s, want the interrupted batch", summary.BatchID)
	}
	if got := f.status(t, stranded.ID); got != board.StatusComplete {
		t.Errorf("stranded task status = %s, want complete", got)
	}
}

func TestStopWindsDownBatch(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "first task")
	f.addTask(t, "second task")
	f.workers.onRun = func(objective string) { f.orch.Stop() }

	summary, err := f.orch.Run(context.Background(), Options{Parallel: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Dispatched != 1 {
		t.Errorf("dispatched = %d, want 1 after stop", summary.Dispatched)
	}

	batch, err := f.db.GetBatch(context.Background(), summary.BatchID)
	if err != nil {
		t.Fatalf("batch lookup failed: %v", err)
	}
	if batch.Status != store.BatchStopped {
		t.Errorf("batch status = %s, want stopped", batch.Status)
	}

	pending, err := f.board.List(context.Background(), board.StatusPending)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}
}

func TestPauseBlocksDispatch(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "held task")
	f.orch.Pause()

	done := make(chan *Summary, 1)
	go func() {
		summary, _ := f.orch.Run(context.Background(), Options{Parallel: 1})
		done <- summary
	}()

	time.Sleep(50 * time.Millisecond)
	if f.workers.runCount() != 0 {
		t.Fatal("worker dispatched while paused")
	}

	f.orch.Resume()
	select {
	case summary := <-done:
		if summary.Completed != 1 {
			t.Errorf("completed = %d, want 1 after resume", summary.Completed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}
}

func TestRunSavesRecoveryCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.addTask(t, "checkpointed task")

	summary, err := f.orch.Run(context.Background(), Options{Parallel: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	cp, err := f.db.LatestCheckpoint(context.Background(), summary.BatchID)
	if err != nil {
		t.Fatalf("LatestCheckpoint failed: %v", err)
	}
	if cp == nil {
		t.Fatal("no recovery checkpoint saved")
	}
}

func TestClampParallel(t *testing.T) {
	tests := []struct {
		override, configured, want int
	}{
		{0, 3, 3},
		{2, 3, 2},
		{0, 0, 1},
		{9, 3, 5},
		{-1, 8, 5},
	}
	for _, tt := range tests {
		if got := clampParallel(tt.override, tt.configured); got != tt.want {
			t.Errorf("clampParallel(%d, %d) = %d, want %d", tt.override, tt.configured, got, tt.want)
		}
	}
}
