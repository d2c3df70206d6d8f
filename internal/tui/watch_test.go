package tui

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/undercity-dev/undercity/internal/board"
	"github.com/undercity-dev/undercity/internal/store"
)

type fakeSource struct {
	status *Status
	err    error
}

func (f *fakeSource) Fetch() (*Status, error) {
	return f.status, f.err
}

func sampleStatus() *Status {
	return &Status{
		Source: "daemon",
		Uptime: "5m0s",
		TaskCounts: map[string]int{
			"pending":     2,
			"in_progress": 1,
			"complete":    3,
		},
		Tasks: []TaskRow{
			{ID: "task-aaaa-1111", Objective: "fix the login flow", Status: "in_progress", Attempts: 1},
			{ID: "task-bbbb-2222", Objective: "add a cache layer", Status: "pending"},
		},
		FiveHour: 0.42,
		Weekly:   0.96,
	}
}

func refreshed(t *testing.T, m Model, status *Status, err error) Model {
	t.Helper()
	next, _ := m.Update(statusMsg{status: status, err: err})
	model, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T, want Model", next)
	}
	return model
}

func TestViewBeforeFirstFetch(t *testing.T) {
	m := NewModel(&fakeSource{})
	if !strings.Contains(m.View(), "connecting") {
		t.Errorf("initial view = %q, want connecting placeholder", m.View())
	}
}

func TestViewRendersStatus(t *testing.T) {
	m := refreshed(t, NewModel(&fakeSource{}), sampleStatus(), nil)
	view := m.View()

	for _, want := range []string{
		"undercity watch",
		"pending 2",
		"in_progress 1",
		"complete 3",
		"task-aaa",
		"fix the login flow",
		"5-hour",
		"42%",
		"96%",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
	if strings.Contains(view, "PAUSED") {
		t.Error("pause indicator shown while running")
	}
}

func TestViewShowsPauseIndicator(t *testing.T) {
	status := sampleStatus()
	status.Paused = true
	m := refreshed(t, NewModel(&fakeSource{}), status, nil)
	if !strings.Contains(m.View(), "PAUSED") {
		t.Error("pause indicator missing")
	}
}

func TestViewShowsFetchError(t *testing.T) {
	m := refreshed(t, NewModel(&fakeSource{}), nil, errors.New("connection refused"))
	if !strings.Contains(m.View(), "connection refused") {
		t.Errorf("view = %q, want the fetch error", m.View())
	}
}

func TestErrorClearsOnNextSuccess(t *testing.T) {
	m := NewModel(&fakeSource{})
	m = refreshed(t, m, nil, errors.New("connection refused"))
	m = refreshed(t, m, sampleStatus(), nil)
	if strings.Contains(m.View(), "connection refused") {
		t.Error("stale error still rendered")
	}
}

func TestQuitKeys(t *testing.T) {
	m := NewModel(&fakeSource{})

	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")}); cmd == nil {
		t.Error("q did not quit")
	}
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC}); cmd == nil {
		t.Error("ctrl+c did not quit")
	}
}

func TestRenderUsageClamps(t *testing.T) {
	if got := renderUsage("5-hour", 1.7); !strings.Contains(got, "100%") {
		t.Errorf("over-budget bar = %q, want clamped to 100%%", got)
	}
	if got := renderUsage("5-hour", -0.5); !strings.Contains(got, "0%") {
		t.Errorf("negative bar = %q, want clamped to 0%%", got)
	}
}

func TestRenderTasksOrdersByStatus(t *testing.T) {
	out := renderTasks([]TaskRow{
		{ID: "t-complete", Status: "complete", Objective: "done work"},
		{ID: "t-running", Status: "in_progress", Objective: "active work"},
		{ID: "t-pending", Status: "pending", Objective: "queued work"},
	})
	running := strings.Index(out, "active work")
	pending := strings.Index(out, "queued work")
	done := strings.Index(out, "done work")
	if !(running < pending && pending < done) {
		t.Errorf("task order wrong:\n%s", out)
	}
}

func TestStoreSourceFetch(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"), nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()

	b := board.New(db, nil)
	if err := b.Add(context.Background(), &board.Task{Objective: "watch me"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	src := NewStoreSource(b, nil)
	status, err := src.Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if status.Source != "store" {
		t.Errorf("source = %s, want store", status.Source)
	}
	if status.TaskCounts["pending"] != 1 || len(status.Tasks) != 1 {
		t.Errorf("status = %+v, want one pending task", status)
	}
}
