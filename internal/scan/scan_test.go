package scan

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", rel, err)
	}
}

func TestScanCountsSourceFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n\nfunc main() {\n}\n\nfunc helper() {\n}\n")
	writeFile(t, root, "lib/util.py", "def one():\n    pass\n\ndef two():\n    pass\n")
	writeFile(t, root, "README.md", "# not source\n")

	m := New(root, nil, nil).Scan(context.Background())

	if m.FileCount != 2 {
		t.Errorf("FileCount = %d, want 2", m.FileCount)
	}
	if m.FunctionCount != 4 {
		t.Errorf("FunctionCount = %d, want 4", m.FunctionCount)
	}
	if m.TotalLines == 0 {
		t.Error("TotalLines = 0, want > 0")
	}
}

func TestScanSkipsIgnoredDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")
	writeFile(t, root, "node_modules/dep/index.js", "function x() {}\n")
	writeFile(t, root, ".git/hooks/sample.go", "package hooks\n")
	writeFile(t, root, ".undercity/state.go", "package state\n")

	m := New(root, nil, nil).Scan(context.Background())

	if m.FileCount != 1 {
		t.Errorf("FileCount = %d, want 1 (ignored dirs scanned)", m.FileCount)
	}
}

func TestScanFlagsOversizedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "big.go", "package big\n"+strings.Repeat("var _ = 1\n", unhealthyLineCount))
	writeFile(t, root, "small.go", "package small\n")

	m := New(root, nil, nil).Scan(context.Background())

	if m.UnhealthyFiles != 1 {
		t.Errorf("UnhealthyFiles = %d, want 1", m.UnhealthyFiles)
	}
}

func TestScanCustomIgnores(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.go", "package keep\n")
	writeFile(t, root, "generated/gen.go", "package gen\n")

	m := New(root, nil, nil).WithIgnores("generated/**").Scan(context.Background())

	if m.FileCount != 1 {
		t.Errorf("FileCount = %d, want 1 (custom ignore not applied)", m.FileCount)
	}
}

func TestScanMissingRootDegrades(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "does-not-exist"), nil, nil).Scan(context.Background())
	if m.FileCount != 0 || m.TotalLines != 0 {
		t.Errorf("metrics for missing root = %+v, want zeros", m)
	}
}
