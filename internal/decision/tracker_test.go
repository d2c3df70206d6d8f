package decision

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/undercity-dev/undercity/internal/store"
)

func testTracker(t *testing.T) *Tracker {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "undercity.db"), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewTracker(db, nil)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		question string
		context  string
		want     string
	}{
		{"Should I retry?", "retrying now", CategoryAutoHandle},
		{"Should I delete?", "remove production database", CategoryHumanRequired},
		{"Which approach?", "option A or option B", CategoryPMDecidable},
		{"Fix the typo?", "format only", CategoryAutoHandle},
		{"Rotate the key?", "the api key is in the env", CategoryHumanRequired},
		{"Deploy now?", "push to production after merge", CategoryHumanRequired},
		{"Refactor the cache?", "two designs possible", CategoryPMDecidable},
	}
	for _, tt := range tests {
		if got := Classify(tt.question, tt.context); got != tt.want {
			t.Errorf("Classify(%q, %q) = %q, want %q", tt.question, tt.context, got, tt.want)
		}
	}
}

func TestResolveLifecycle(t *testing.T) {
	tr := testTracker(t)
	ctx := context.Background()

	d, err := tr.Raise(ctx, "Which approach?", "option A or option B", "task-1")
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}
	if d.Category != CategoryPMDecidable {
		t.Errorf("Category = %q, want pm_decidable", d.Category)
	}
	if d.Status != store.DecisionPending {
		t.Errorf("Status = %q, want pending", d.Status)
	}

	resolved, err := tr.Resolve(ctx, d.ID, store.Resolution{
		ResolvedBy: ResolvedByPM,
		Decision:   "option A",
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Status != store.DecisionResolved || resolved.Resolution == nil {
		t.Fatalf("decision not resolved: %+v", resolved)
	}
	if resolved.Resolution.Decision != "option A" {
		t.Errorf("Decision = %q, want %q", resolved.Resolution.Decision, "option A")
	}

	// Double resolution is rejected.
	if _, err := tr.Resolve(ctx, d.ID, store.Resolution{ResolvedBy: ResolvedByPM, Decision: "option B"}); err == nil {
		t.Error("expected second Resolve to fail")
	}
}

func TestHumanRequiredNeverAutoResolved(t *testing.T) {
	tr := testTracker(t)
	ctx := context.Background()

	d, err := tr.Raise(ctx, "Should I drop the table?", "drop the production table", "")
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}
	if d.Category != CategoryHumanRequired {
		t.Fatalf("Category = %q, want human_required", d.Category)
	}

	for _, by := range []string{ResolvedByAuto, ResolvedByPM} {
		if _, err := tr.Resolve(ctx, d.ID, store.Resolution{ResolvedBy: by, Decision: "yes"}); err == nil {
			t.Errorf("expected %s resolution of human-required decision to fail", by)
		}
	}

	if _, err := tr.Resolve(ctx, d.ID, store.Resolution{ResolvedBy: ResolvedByHuman, Decision: "no"}); err != nil {
		t.Errorf("human resolution failed: %v", err)
	}
}

func TestResolvedCapPrunesOldest(t *testing.T) {
	tr := testTracker(t)
	ctx := context.Background()

	var first string
	for i := 0; i < MaxResolvedDecisions+1; i++ {
		d, err := tr.Raise(ctx, fmt.Sprintf("question number %d about widget%d?", i, i), "", "")
		if err != nil {
			t.Fatalf("Raise failed: %v", err)
		}
		if i == 0 {
			first = d.ID
		}
		if _, err := tr.Resolve(ctx, d.ID, store.Resolution{ResolvedBy: ResolvedByPM, Decision: "ok"}); err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
	}

	resolved, err := tr.db.ListDecisions(ctx, store.DecisionResolved, 0)
	if err != nil {
		t.Fatalf("ListDecisions failed: %v", err)
	}
	if len(resolved) != MaxResolvedDecisions {
		t.Errorf("resolved count = %d, want %d", len(resolved), MaxResolvedDecisions)
	}
	if _, err := tr.Get(ctx, first); err == nil {
		t.Error("expected oldest resolved decision to be pruned")
	}
}

func TestOverridesAppendOnly(t *testing.T) {
	tr := testTracker(t)
	ctx := context.Background()

	d, err := tr.Raise(ctx, "Which approach?", "", "")
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}
	if _, err := tr.Resolve(ctx, d.ID, store.Resolution{ResolvedBy: ResolvedByPM, Decision: "A"}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if err := tr.Override(ctx, d.ID, "actually use B"); err != nil {
		t.Fatalf("Override failed: %v", err)
	}
	if err := tr.Override(ctx, d.ID, "B with caching"); err != nil {
		t.Fatalf("Override failed: %v", err)
	}

	overrides, err := tr.Overrides(ctx, d.ID)
	if err != nil {
		t.Fatalf("Overrides failed: %v", err)
	}
	if len(overrides) != 2 {
		t.Fatalf("got %d overrides, want 2", len(overrides))
	}
	if overrides[0].Override != "actually use B" {
		t.Errorf("first override = %q, want oldest first", overrides[0].Override)
	}
}

func TestFindSimilar(t *testing.T) {
	tr := testTracker(t)
	ctx := context.Background()

	d, err := tr.Raise(ctx, "Should the cache use an eviction policy?", "", "")
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}
	if _, err := tr.Resolve(ctx, d.ID, store.Resolution{ResolvedBy: ResolvedByPM, Decision: "LRU"}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	similar, err := tr.FindSimilar(ctx, "Which eviction policy should the cache use?", 5)
	if err != nil {
		t.Fatalf("FindSimilar failed: %v", err)
	}
	if len(similar) != 1 || similar[0].Resolution.Decision != "LRU" {
		t.Fatalf("FindSimilar = %+v, want the cache decision", similar)
	}

	none, err := tr.FindSimilar(ctx, "unrelated networking question", 5)
	if err != nil {
		t.Fatalf("FindSimilar failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no matches, got %d", len(none))
	}
}

type cannedAdvisor struct {
	decision  string
	reasoning string
}

func (a cannedAdvisor) Decide(ctx context.Context, question, decisionContext string) (string, string, error) {
	return a.decision, a.reasoning, nil
}

func TestPMResolvesByPolicy(t *testing.T) {
	tr := testTracker(t)
	pm := NewPM(tr, nil)
	ctx := context.Background()

	d, err := tr.Raise(ctx, "Should we add a new dependency for YAML parsing?", "", "")
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}

	resolved, ok, err := pm.TryResolve(ctx, d)
	if err != nil {
		t.Fatalf("TryResolve failed: %v", err)
	}
	if !ok {
		t.Fatal("expected policy rule to resolve the question")
	}
	if resolved.Resolution.ResolvedBy != ResolvedByPM {
		t.Errorf("ResolvedBy = %q, want pm", resolved.Resolution.ResolvedBy)
	}
}

func TestPMFallsBackToAdvisor(t *testing.T) {
	tr := testTracker(t)
	pm := NewPM(tr, cannedAdvisor{decision: "choose streaming", reasoning: "lower memory"})
	ctx := context.Background()

	d, err := tr.Raise(ctx, "Streaming or buffering for the export?", "", "")
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}

	resolved, ok, err := pm.TryResolve(ctx, d)
	if err != nil {
		t.Fatalf("TryResolve failed: %v", err)
	}
	if !ok || resolved.Resolution.Decision != "choose streaming" {
		t.Fatalf("TryResolve = %+v ok=%v, want advisor decision", resolved, ok)
	}
}

func TestPMNeverTouchesHumanRequired(t *testing.T) {
	tr := testTracker(t)
	pm := NewPM(tr, cannedAdvisor{decision: "yes"})
	ctx := context.Background()

	d, err := tr.Raise(ctx, "Delete the production table?", "drop production data", "")
	if err != nil {
		t.Fatalf("Raise failed: %v", err)
	}

	_, ok, err := pm.TryResolve(ctx, d)
	if err != nil {
		t.Fatalf("TryResolve failed: %v", err)
	}
	if ok {
		t.Fatal("PM must not resolve human-required decisions")
	}

	got, err := tr.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != store.DecisionPending {
		t.Errorf("Status = %q, want still pending", got.Status)
	}
}
