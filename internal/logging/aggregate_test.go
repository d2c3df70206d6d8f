package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeLogFile writes raw JSON lines into the logs dir under the given name.
func writeLogFile(t *testing.T, dir, name string, lines []string) {
	t.Helper()
	path := filepath.Join(dir, name)
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write log file: %v", err)
	}
}

func TestAggregateLogs(t *testing.T) {
	dir := t.TempDir()

	writeLogFile(t, dir, CurrentLogName, []string{
		`{"time":"2025-03-01T10:00:02Z","level":"INFO","msg":"second","batch_id":"b1"}`,
		`{"time":"2025-03-01T10:00:01Z","level":"DEBUG","msg":"first","task_id":"t1","tokens":120}`,
	})
	writeLogFile(t, dir, "raid-b0-2025-02-28T09-00-00Z.log", []string{
		`{"time":"2025-02-28T09:00:00Z","level":"WARN","msg":"archived","worker_id":"w2","phase":"verifying"}`,
	})

	entries, err := AggregateLogs(dir)
	if err != nil {
		t.Fatalf("AggregateLogs failed: %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	// Sorted by timestamp ascending across files.
	if entries[0].Message != "archived" {
		t.Errorf("entries[0].Message = %q, want %q", entries[0].Message, "archived")
	}
	if entries[1].Message != "first" {
		t.Errorf("entries[1].Message = %q, want %q", entries[1].Message, "first")
	}
	if entries[2].Message != "second" {
		t.Errorf("entries[2].Message = %q, want %q", entries[2].Message, "second")
	}

	// Structured fields extracted; extras land in Attrs.
	if entries[0].WorkerID != "w2" || entries[0].Phase != "verifying" {
		t.Errorf("archived entry fields = %+v", entries[0])
	}
	if entries[1].TaskID != "t1" {
		t.Errorf("TaskID = %q, want t1", entries[1].TaskID)
	}
	if got := entries[1].Attrs["tokens"]; got != float64(120) {
		t.Errorf("Attrs[tokens] = %v, want 120", got)
	}
	if entries[2].BatchID != "b1" {
		t.Errorf("BatchID = %q, want b1", entries[2].BatchID)
	}
}

func TestAggregateLogs_SkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()

	writeLogFile(t, dir, CurrentLogName, []string{
		`{"time":"2025-03-01T10:00:00Z","level":"INFO","msg":"good"}`,
		`this is not json`,
		``,
		`{"time":"2025-03-01T10:00:01Z","level":"INFO","msg":"also good"}`,
	})

	entries, err := AggregateLogs(dir)
	if err != nil {
		t.Fatalf("AggregateLogs failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}
}

func TestAggregateLogs_MissingDirectory(t *testing.T) {
	if _, err := AggregateLogs(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing logs directory")
	}
}

func TestFilterLogs(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	entries := []LogEntry{
		{Timestamp: base, Level: "DEBUG", Message: "claim task", BatchID: "b1", TaskID: "t1", WorkerID: "w1", Phase: "starting"},
		{Timestamp: base.Add(time.Minute), Level: "INFO", Message: "attempt done", BatchID: "b1", TaskID: "t1", WorkerID: "w1", Phase: "executing"},
		{Timestamp: base.Add(2 * time.Minute), Level: "ERROR", Message: "merge conflict", BatchID: "b1", TaskID: "t2", WorkerID: "w2", Phase: "reviewing"},
		{Timestamp: base.Add(3 * time.Minute), Level: "WARN", Message: "usage high", BatchID: "b2"},
	}

	t.Run("empty filter returns all", func(t *testing.T) {
		got := FilterLogs(entries, LogFilter{})
		if len(got) != len(entries) {
			t.Errorf("got %d entries, want %d", len(got), len(entries))
		}
	})

	t.Run("level filter keeps at-or-above", func(t *testing.T) {
		got := FilterLogs(entries, LogFilter{Level: LevelWarn})
		if len(got) != 2 {
			t.Fatalf("got %d entries, want 2", len(got))
		}
		if got[0].Message != "merge conflict" || got[1].Message != "usage high" {
			t.Errorf("wrong entries: %v", got)
		}
	})

	t.Run("task filter", func(t *testing.T) {
		got := FilterLogs(entries, LogFilter{TaskID: "t2"})
		if len(got) != 1 || got[0].Message != "merge conflict" {
			t.Errorf("wrong entries: %v", got)
		}
	})

	t.Run("batch and worker filters combine", func(t *testing.T) {
		got := FilterLogs(entries, LogFilter{BatchID: "b1", WorkerID: "w1"})
		if len(got) != 2 {
			t.Errorf("got %d entries, want 2", len(got))
		}
	})

	t.Run("phase filter", func(t *testing.T) {
		got := FilterLogs(entries, LogFilter{Phase: "executing"})
		if len(got) != 1 || got[0].Message != "attempt done" {
			t.Errorf("wrong entries: %v", got)
		}
	})

	t.Run("time range filter", func(t *testing.T) {
		got := FilterLogs(entries, LogFilter{
			StartTime: base.Add(30 * time.Second),
			EndTime:   base.Add(150 * time.Second),
		})
		if len(got) != 2 {
			t.Errorf("got %d entries, want 2", len(got))
		}
	})

	t.Run("message contains filter", func(t *testing.T) {
		got := FilterLogs(entries, LogFilter{MessageContains: "conflict"})
		if len(got) != 1 {
			t.Errorf("got %d entries, want 1", len(got))
		}
	})
}

func TestExportLogEntries(t *testing.T) {
	entries := []LogEntry{
		{
			Timestamp: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
			Level:     "INFO",
			Message:   "task complete",
			BatchID:   "b1",
			TaskID:    "t1",
			Attrs:     map[string]any{"duration_ms": 1200},
		},
	}

	t.Run("json", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out.json")
		if err := ExportLogEntries(entries, out, "json"); err != nil {
			t.Fatalf("ExportLogEntries failed: %v", err)
		}

		data, err := os.ReadFile(out)
		if err != nil {
			t.Fatalf("failed to read output: %v", err)
		}
		var decoded []LogEntry
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("output is not valid JSON: %v", err)
		}
		if len(decoded) != 1 || decoded[0].Message != "task complete" {
			t.Errorf("wrong decoded entries: %v", decoded)
		}
	})

	t.Run("text", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out.txt")
		if err := ExportLogEntries(entries, out, "text"); err != nil {
			t.Fatalf("ExportLogEntries failed: %v", err)
		}

		data, err := os.ReadFile(out)
		if err != nil {
			t.Fatalf("failed to read output: %v", err)
		}
		text := string(data)
		if !strings.Contains(text, "task complete") {
			t.Errorf("text output missing message: %s", text)
		}
		if !strings.Contains(text, "batch=b1") {
			t.Errorf("text output missing batch context: %s", text)
		}
	})

	t.Run("csv", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out.csv")
		if err := ExportLogEntries(entries, out, "csv"); err != nil {
			t.Fatalf("ExportLogEntries failed: %v", err)
		}

		data, err := os.ReadFile(out)
		if err != nil {
			t.Fatalf("failed to read output: %v", err)
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 2 {
			t.Fatalf("expected header + 1 record, got %d lines", len(lines))
		}
		if !strings.HasPrefix(lines[0], "timestamp,level,message,batch_id") {
			t.Errorf("unexpected CSV header: %s", lines[0])
		}
	})

	t.Run("unsupported format", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out.xml")
		if err := ExportLogEntries(entries, out, "xml"); err == nil {
			t.Error("expected error for unsupported format")
		}
	})
}
