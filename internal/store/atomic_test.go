package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/undercity-dev/undercity/internal/errors"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := WriteFileAtomic(path, []byte(`{"v":1}`), 0644); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != `{"v":1}` {
		t.Errorf("content = %q, want {\"v\":1}", data)
	}

	// Overwrite replaces the whole file.
	if err := WriteFileAtomic(path, []byte(`{"v":2}`), 0644); err != nil {
		t.Fatalf("WriteFileAtomic() overwrite error = %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != `{"v":2}` {
		t.Errorf("content after overwrite = %q, want {\"v\":2}", data)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

func TestWriteFileAtomic_CreatesParentDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deep", "state.json")

	if err := WriteFileAtomic(path, []byte(`x`), 0644); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file missing: %v", err)
	}
}

func TestSaveLoadJSON(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	path := filepath.Join(t.TempDir(), "payload.json")
	want := payload{Name: "undercity", Count: 3}

	if err := SaveJSON(path, want); err != nil {
		t.Fatalf("SaveJSON() error = %v", err)
	}

	var got payload
	if err := LoadJSON(path, &got); err != nil {
		t.Fatalf("LoadJSON() error = %v", err)
	}
	if got != want {
		t.Errorf("round-trip = %+v, want %+v", got, want)
	}

	// Saved files are indented for hand inspection.
	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), "\n  ") {
		t.Errorf("SaveJSON output not indented: %q", raw)
	}
}

func TestLoadJSON_MissingFile(t *testing.T) {
	var v map[string]any
	err := LoadJSON(filepath.Join(t.TempDir(), "absent.json"), &v)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadJSON(missing) error = %v, want os.ErrNotExist", err)
	}
}

func TestLoadJSON_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{broken`), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	var v map[string]any
	err := LoadJSON(path, &v)
	if err == nil {
		t.Fatal("LoadJSON(corrupt) expected error")
	}
	if errors.Is(err, os.ErrNotExist) {
		t.Error("corrupt file must not read as missing")
	}
}
