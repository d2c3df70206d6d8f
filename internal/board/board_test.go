package board

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/undercity-dev/undercity/internal/store"
)

func testBoard(t *testing.T) *Board {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "undercity.db"), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, nil)
}

func TestAddDefaults(t *testing.T) {
	b := testBoard(t)
	ctx := context.Background()

	task := &Task{Objective: "fix the parser"}
	if err := b.Add(ctx, task); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if task.ID == "" {
		t.Error("expected generated id")
	}
	if task.Status != StatusPending {
		t.Errorf("Status = %q, want %q", task.Status, StatusPending)
	}
	if task.CreatedAt.IsZero() {
		t.Error("expected createdAt to be set")
	}

	got, err := b.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Objective != "fix the parser" {
		t.Errorf("Objective = %q, want %q", got.Objective, "fix the parser")
	}
}

func TestAddValidation(t *testing.T) {
	b := testBoard(t)
	ctx := context.Background()

	if err := b.Add(ctx, &Task{Objective: "   "}); err == nil {
		t.Error("expected error for empty objective")
	}
	if err := b.Add(ctx, &Task{Objective: "x", Status: StatusBlocked}); err == nil {
		t.Error("expected error for blocked task without reason")
	}
	if err := b.Add(ctx, &Task{Objective: "x", Status: Status("bogus")}); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestCompleteIsTerminal(t *testing.T) {
	b := testBoard(t)
	ctx := context.Background()

	task := &Task{Objective: "do x"}
	if err := b.Add(ctx, task); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := b.SetStatus(ctx, task.ID, StatusComplete); err != nil {
		t.Fatalf("SetStatus(complete) failed: %v", err)
	}

	for _, to := range []Status{StatusPending, StatusInProgress, StatusFailed, StatusBlocked} {
		if _, err := b.SetStatus(ctx, task.ID, to); err == nil {
			t.Errorf("expected transition complete -> %s to fail", to)
		}
	}

	got, err := b.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusComplete {
		t.Errorf("Status = %q, want complete", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completedAt to be stamped")
	}
}

func TestTimestampsMonotonic(t *testing.T) {
	b := testBoard(t)
	ctx := context.Background()

	task := &Task{Objective: "do x"}
	if err := b.Add(ctx, task); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	started, err := b.SetStatus(ctx, task.ID, StatusInProgress)
	if err != nil {
		t.Fatalf("SetStatus(in_progress) failed: %v", err)
	}
	if started.StartedAt == nil {
		t.Fatal("expected startedAt to be stamped")
	}
	done, err := b.SetStatus(ctx, task.ID, StatusComplete)
	if err != nil {
		t.Fatalf("SetStatus(complete) failed: %v", err)
	}
	if done.CompletedAt == nil {
		t.Fatal("expected completedAt to be stamped")
	}
	if done.CreatedAt.After(*done.StartedAt) || done.StartedAt.After(*done.CompletedAt) {
		t.Errorf("timestamps not monotonic: created=%v started=%v completed=%v",
			done.CreatedAt, done.StartedAt, done.CompletedAt)
	}
}

func TestBlockRequiresReason(t *testing.T) {
	b := testBoard(t)
	ctx := context.Background()

	task := &Task{Objective: "do x"}
	if err := b.Add(ctx, task); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if _, err := b.Block(ctx, task.ID, ""); err == nil {
		t.Error("expected Block without reason to fail")
	}

	blocked, err := b.Block(ctx, task.ID, "waiting on dependency")
	if err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	if blocked.Status != StatusBlocked || blocked.BlockedReason != "waiting on dependency" {
		t.Errorf("got status=%q reason=%q", blocked.Status, blocked.BlockedReason)
	}

	unblocked, err := b.Unblock(ctx, task.ID)
	if err != nil {
		t.Fatalf("Unblock failed: %v", err)
	}
	if unblocked.Status != StatusPending || unblocked.BlockedReason != "" {
		t.Errorf("got status=%q reason=%q after unblock", unblocked.Status, unblocked.BlockedReason)
	}
}

func TestTagParsing(t *testing.T) {
	tests := []struct {
		objective string
		tag       string
		bare      string
	}{
		{"fix parser", "", "fix parser"},
		{"[plan] design the cache", TagPlan, "design the cache"},
		{"[research] how does auth work", TagResearch, "how does auth work"},
		{"[meta:triage] clean the board", TagMetaTriage, "clean the board"},
		{"[PLAN] uppercase tag", TagPlan, "uppercase tag"},
	}
	for _, tt := range tests {
		task := Task{Objective: tt.objective}
		if got := task.Tag(); got != tt.tag {
			t.Errorf("Tag(%q) = %q, want %q", tt.objective, got, tt.tag)
		}
		if got := task.BareObjective(); got != tt.bare {
			t.Errorf("BareObjective(%q) = %q, want %q", tt.objective, got, tt.bare)
		}
	}
}

func TestFindByObjectiveCaseInsensitive(t *testing.T) {
	b := testBoard(t)
	ctx := context.Background()

	if err := b.Add(ctx, &Task{Objective: "Do X"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	found, err := b.FindByObjective(ctx, "do x")
	if err != nil {
		t.Fatalf("FindByObjective failed: %v", err)
	}
	if found == nil {
		t.Fatal("expected case-insensitive match")
	}

	missing, err := b.FindByObjective(ctx, "do y")
	if err != nil {
		t.Fatalf("FindByObjective failed: %v", err)
	}
	if missing != nil {
		t.Error("expected no match for different objective")
	}
}

func TestNextReadyHonoursDependencies(t *testing.T) {
	b := testBoard(t)
	ctx := context.Background()

	dep := &Task{Objective: "build the base", Priority: 1}
	if err := b.Add(ctx, dep); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	high := &Task{Objective: "use the base", Priority: 10, DependsOn: []string{dep.ID}}
	if err := b.Add(ctx, high); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// The high-priority task is not ready while its dependency is pending.
	got, err := b.NextReady(ctx, nil, nil)
	if err != nil {
		t.Fatalf("NextReady failed: %v", err)
	}
	if got == nil || got.ID != dep.ID {
		t.Fatalf("NextReady = %+v, want dependency task %s", got, dep.ID)
	}

	if _, err := b.SetStatus(ctx, dep.ID, StatusComplete); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	got, err = b.NextReady(ctx, nil, nil)
	if err != nil {
		t.Fatalf("NextReady failed: %v", err)
	}
	if got == nil || got.ID != high.ID {
		t.Fatalf("NextReady = %+v, want %s after dependency completes", got, high.ID)
	}
}

func TestNextReadySkipsBusyFiles(t *testing.T) {
	b := testBoard(t)
	ctx := context.Background()

	clash := &Task{Objective: "touch shared", Priority: 5, EstimatedFiles: []string{"shared.go"}}
	clear := &Task{Objective: "touch other", Priority: 1, EstimatedFiles: []string{"other.go"}}
	for _, task := range []*Task{clash, clear} {
		if err := b.Add(ctx, task); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	busy := map[string]bool{"shared.go": true}
	got, err := b.NextReady(ctx, busy, nil)
	if err != nil {
		t.Fatalf("NextReady failed: %v", err)
	}
	if got == nil || got.ID != clear.ID {
		t.Fatalf("NextReady = %+v, want non-conflicting task %s", got, clear.ID)
	}
}

func TestDecompose(t *testing.T) {
	b := testBoard(t)
	ctx := context.Background()

	parent := &Task{Objective: "big feature", Priority: 7, BatchID: "batch-1"}
	if err := b.Add(ctx, parent); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	subs, err := b.Decompose(ctx, parent.ID, []string{"part one", "part two"})
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("got %d subtasks, want 2", len(subs))
	}
	for _, sub := range subs {
		if sub.ParentID != parent.ID {
			t.Errorf("subtask parent = %q, want %q", sub.ParentID, parent.ID)
		}
		if sub.Priority != 7 || sub.BatchID != "batch-1" {
			t.Errorf("subtask did not inherit priority/batch: %+v", sub)
		}
	}

	reloaded, err := b.Get(ctx, parent.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !reloaded.IsDecomposed() || len(reloaded.SubtaskIDs) != 2 {
		t.Errorf("parent subtasks = %v, want 2 ids", reloaded.SubtaskIDs)
	}

	// A decomposed parent is not dispatchable while subtasks are open.
	got, err := b.NextReady(ctx, nil, nil)
	if err != nil {
		t.Fatalf("NextReady failed: %v", err)
	}
	if got == nil || got.ID == parent.ID {
		t.Fatalf("NextReady = %+v, want a subtask, not the parent", got)
	}
}

func TestFailedRequeueOnly(t *testing.T) {
	task := Task{Status: StatusFailed}
	if !task.CanTransition(StatusPending) {
		t.Error("failed -> pending should be allowed for explicit re-queue")
	}
	for _, to := range []Status{StatusInProgress, StatusComplete, StatusBlocked} {
		if task.CanTransition(to) {
			t.Errorf("failed -> %s should be rejected", to)
		}
	}
}
