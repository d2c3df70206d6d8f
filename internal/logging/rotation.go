// Package logging provides structured logging for undercity raids.
package logging

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// raidTimeLayout is the timestamp embedded in archived raid log names.
// It is ISO 8601 with colons replaced so names stay filesystem-safe.
const raidTimeLayout = "2006-01-02T15-04-05Z"

// RotationConfig holds configuration for raid log archival.
type RotationConfig struct {
	// MaxRaidLogs is the number of archived raid logs to keep.
	// A value of 0 keeps all of them.
	MaxRaidLogs int
	// Compress determines whether archived raid logs are gzip compressed.
	Compress bool
}

// DefaultRotationConfig returns a RotationConfig with sensible defaults.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		MaxRaidLogs: 20,
		Compress:    false,
	}
}

// RaidWriter writes the active log file and archives it per batch.
// The active file is always {dir}/current.log; RotateForBatch renames it to
// {dir}/raid-{batchID}-{timestamp}.log and reopens a fresh current.log.
// It is safe for concurrent use.
type RaidWriter struct {
	mu sync.Mutex

	// Configuration
	dir         string
	maxRaidLogs int
	compress    bool

	// State
	file *os.File

	// now is swappable for tests.
	now func() time.Time
}

// NewRaidWriter creates a RaidWriter rooted at the given logs directory,
// creating the directory and current.log as needed.
func NewRaidWriter(dir string, config RotationConfig) (*RaidWriter, error) {
	w := &RaidWriter{
		dir:         dir,
		maxRaidLogs: config.MaxRaidLogs,
		compress:    config.Compress,
		now:         time.Now,
	}

	if err := w.openFile(); err != nil {
		return nil, err
	}

	return w, nil
}

// openFile opens current.log for appending. The caller must hold the mutex.
func (w *RaidWriter) openFile() error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(w.currentPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	w.file = file
	return nil
}

// Write implements io.Writer.
func (w *RaidWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, fmt.Errorf("log file is closed")
	}
	return w.file.Write(p)
}

// RotateForBatch archives current.log as the raid log for the given batch
// and reopens a fresh current.log. It returns the archived path. Rotating
// an empty or missing current.log still succeeds and produces an empty
// archive so every batch has a raid log.
func (w *RaidWriter) RotateForBatch(batchID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return "", fmt.Errorf("failed to sync log file: %w", err)
		}
		if err := w.file.Close(); err != nil {
			return "", fmt.Errorf("failed to close log file: %w", err)
		}
		w.file = nil
	}

	archivePath := w.raidPath(batchID)
	if err := os.Rename(w.currentPath(), archivePath); err != nil {
		if !os.IsNotExist(err) {
			// Reopen so logging keeps working even when archival failed.
			if openErr := w.openFile(); openErr != nil {
				return "", fmt.Errorf("failed to archive log and reopen: %w", openErr)
			}
			return "", fmt.Errorf("failed to archive log file: %w", err)
		}
		// No current.log yet: create an empty archive.
		if f, createErr := os.Create(archivePath); createErr == nil {
			f.Close()
		}
	}

	if w.compress {
		go w.compressFile(archivePath)
	}
	if err := w.pruneRaidLogs(); err != nil {
		// Keep logging even when pruning fails.
		fmt.Fprintf(os.Stderr, "Warning: raid log pruning failed: %v\n", err)
	}

	if err := w.openFile(); err != nil {
		return "", err
	}
	return archivePath, nil
}

// pruneRaidLogs removes the oldest archived raid logs beyond MaxRaidLogs.
// The caller must hold the mutex.
func (w *RaidWriter) pruneRaidLogs() error {
	if w.maxRaidLogs <= 0 {
		return nil
	}

	logs, err := w.listRaidLogs()
	if err != nil {
		return err
	}
	if len(logs) <= w.maxRaidLogs {
		return nil
	}

	// listRaidLogs sorts newest first; everything past the cap goes.
	for _, path := range logs[w.maxRaidLogs:] {
		os.Remove(path)
		os.Remove(path + ".gz")
	}
	return nil
}

// listRaidLogs returns archived raid log paths sorted newest first, by
// modification time.
func (w *RaidWriter) listRaidLogs() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	type raidLog struct {
		path    string
		modTime time.Time
	}
	var logs []raidLog
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "raid-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		logs = append(logs, raidLog{
			path:    filepath.Join(w.dir, name),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(logs, func(i, j int) bool {
		return logs[i].modTime.After(logs[j].modTime)
	})

	paths := make([]string, len(logs))
	for i, l := range logs {
		paths[i] = l.path
	}
	return paths, nil
}

// currentPath returns the path of the active log file.
func (w *RaidWriter) currentPath() string {
	return filepath.Join(w.dir, CurrentLogName)
}

// raidPath returns the archive path for a batch's raid log.
func (w *RaidWriter) raidPath(batchID string) string {
	ts := w.now().UTC().Format(raidTimeLayout)
	return filepath.Join(w.dir, fmt.Sprintf("raid-%s-%s.log", batchID, ts))
}

// compressFile compresses a file using gzip and removes the original.
// Errors are logged to stderr since this runs asynchronously.
func (w *RaidWriter) compressFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to read log file for compression %s: %v\n", path, err)
		return
	}

	gzPath := path + ".gz"
	gzFile, err := os.Create(gzPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to create compressed log file %s: %v\n", gzPath, err)
		return
	}
	defer gzFile.Close()

	gzWriter := gzip.NewWriter(gzFile)
	if _, err := gzWriter.Write(data); err != nil {
		os.Remove(gzPath) // Clean up partial file
		fmt.Fprintf(os.Stderr, "Warning: failed to write compressed log data to %s: %v\n", gzPath, err)
		return
	}

	if err := gzWriter.Close(); err != nil {
		os.Remove(gzPath) // Clean up partial file
		fmt.Fprintf(os.Stderr, "Warning: failed to finalize compressed log file %s: %v\n", gzPath, err)
		return
	}

	// Only remove the original after successful compression
	os.Remove(path)
}

// Sync flushes any buffered data to the underlying file.
func (w *RaidWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Close closes the RaidWriter. It syncs and closes the underlying file.
func (w *RaidWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}

	w.file = nil
	return nil
}

// CurrentPath returns the path of the active log file.
func (w *RaidWriter) CurrentPath() string {
	return w.currentPath()
}
