package metrics

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/undercity-dev/undercity/internal/store"
)

func newRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "live-metrics.json")
	r := NewRecorder(path, "batch-1", nil)
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return r, path
}

func readSnapshot(t *testing.T, path string) Snapshot {
	t.Helper()
	var snap Snapshot
	if err := store.LoadJSON(path, &snap); err != nil {
		t.Fatalf("failed to read metrics file: %v", err)
	}
	return snap
}

func TestRecorderCounters(t *testing.T) {
	r, path := newRecorder(t)

	r.RecordAttempt()
	r.RecordAttempt()
	r.RecordTokens("claude-sonnet-4-5", 1000, 500)
	r.SetQueueDepth(3)
	r.SetTaskCounts(map[string]int{"pending": 2, "complete": 1})
	r.Flush()

	got := readSnapshot(t, path)
	if got.BatchID != "batch-1" {
		t.Errorf("BatchID = %q, want batch-1", got.BatchID)
	}
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", got.Attempts)
	}
	if got.TokensByModel["claude-sonnet-4-5"] != 1500 {
		t.Errorf("tokens = %d, want 1500", got.TokensByModel["claude-sonnet-4-5"])
	}
	if got.QueueDepth != 3 {
		t.Errorf("QueueDepth = %d, want 3", got.QueueDepth)
	}
	if got.TasksByStatus["pending"] != 2 || got.TasksByStatus["complete"] != 1 {
		t.Errorf("TasksByStatus = %v", got.TasksByStatus)
	}
}

func TestCostEstimateWeightsByModel(t *testing.T) {
	r, _ := newRecorder(t)

	r.RecordTokens("claude-sonnet-4-5", 1_000_000, 0)
	sonnet := r.Snapshot().CostEstimate

	r.RecordTokens("claude-opus-4-1", 1_000_000, 0)
	withOpus := r.Snapshot().CostEstimate

	opus := withOpus - sonnet
	if math.Abs(opus/sonnet-5.0) > 0.001 {
		t.Errorf("opus/sonnet cost ratio = %f, want 5.0", opus/sonnet)
	}

	r.RecordTokens("claude-haiku-3-5", 1_000_000, 0)
	haiku := r.Snapshot().CostEstimate - withOpus
	if math.Abs(haiku/sonnet-0.25) > 0.001 {
		t.Errorf("haiku/sonnet cost ratio = %f, want 0.25", haiku/sonnet)
	}
}

func TestDebounceSkipsRapidWrites(t *testing.T) {
	r, path := newRecorder(t)
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	r.RecordAttempt()
	first := readSnapshot(t, path)
	if first.Attempts != 1 {
		t.Fatalf("first write Attempts = %d, want 1", first.Attempts)
	}

	// Within the debounce window the file stays stale.
	clock = clock.Add(100 * time.Millisecond)
	r.RecordAttempt()
	if got := readSnapshot(t, path); got.Attempts != 1 {
		t.Errorf("file updated inside debounce window: Attempts = %d", got.Attempts)
	}

	// Past the window the next update flushes.
	clock = clock.Add(writeDebounce)
	r.RecordAttempt()
	if got := readSnapshot(t, path); got.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", got.Attempts)
	}
}

func TestPausedBypassesDebounce(t *testing.T) {
	r, path := newRecorder(t)
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	r.RecordAttempt()
	clock = clock.Add(10 * time.Millisecond)
	r.SetPaused(true)

	got := readSnapshot(t, path)
	if !got.Paused {
		t.Error("Paused not flushed immediately")
	}
}

func TestEmptyPathDisablesSideFile(t *testing.T) {
	r := NewRecorder("", "batch-1", nil)
	r.RecordAttempt()
	r.Flush()
	if got := r.Snapshot().Attempts; got != 1 {
		t.Errorf("Attempts = %d, want 1", got)
	}
}

func TestSnapshotCopiesMaps(t *testing.T) {
	r := NewRecorder("", "", nil)
	r.RecordTokens("claude-sonnet-4-5", 10, 0)

	snap := r.Snapshot()
	snap.TokensByModel["claude-sonnet-4-5"] = 999

	if got := r.Snapshot().TokensByModel["claude-sonnet-4-5"]; got != 10 {
		t.Errorf("internal tokens mutated through snapshot: %d", got)
	}
}
