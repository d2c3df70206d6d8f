package watchfs

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitForSnapshot(t *testing.T, w *Watcher, want int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if files := w.Snapshot(); len(files) >= want {
			return files
		}
		time.Sleep(20 * time.Millisecond)
	}
	return w.Snapshot()
}

func TestCapturesWrites(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Stop()
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte("package main"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	files := waitForSnapshot(t, w, 1)
	if len(files) == 0 || files[0] != "main.go" {
		t.Errorf("Snapshot = %v, want [main.go]", files)
	}
}

func TestIgnoresStateDirectories(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{".git", ".undercity"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			t.Fatalf("MkdirAll failed: %v", err)
		}
	}

	w, err := New(root, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Stop()
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "kept.go"), []byte("package kept"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	files := waitForSnapshot(t, w, 1)
	for _, f := range files {
		if f != "kept.go" {
			t.Errorf("unexpected captured file %q", f)
		}
	}
}

func TestResetClearsSnapshot(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Stop()
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, "a.go"), []byte("package a"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	waitForSnapshot(t, w, 1)

	w.Reset()
	if files := w.Snapshot(); len(files) != 0 {
		t.Errorf("Snapshot after Reset = %v, want empty", files)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	w, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("first Stop failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}
