// Package watchfs captures which files change inside a workspace while an
// agent attempt runs. The worker uses the snapshot for no-op detection and
// the merge queue uses it for conflict prediction when the agent does not
// report its own file list.
package watchfs

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/undercity-dev/undercity/internal/logging"
)

// defaultIgnores are directory names never worth watching.
var defaultIgnores = []string{".git", ".undercity", "node_modules", ".DS_Store", "vendor"}

// debounceWindow collapses bursts of events on the same file.
const debounceWindow = 200 * time.Millisecond

// Watcher records modified files under one workspace root.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	logger  *logging.Logger

	mu       sync.Mutex
	modified map[string]time.Time
	ignores  []string
	stopCh   chan struct{}
	stopped  bool
}

// New creates a watcher for root. Call Start to begin capturing.
func New(root string, logger *logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Watcher{
		root:     root,
		watcher:  fw,
		logger:   logger,
		modified: make(map[string]time.Time),
		ignores:  append([]string(nil), defaultIgnores...),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start registers the directory tree and begins the event loop.
func (w *Watcher) Start() error {
	if err := w.watchRecursive(w.root); err != nil {
		return err
	}
	go w.loop()
	return nil
}

// watchRecursive adds root and every non-ignored subdirectory. Walk
// errors are skipped: an unreadable directory just goes unwatched.
func (w *Watcher) watchRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if w.ignored(filepath.Base(path)) && path != root {
				return filepath.SkipDir
			}
			_ = w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) ignored(base string) bool {
	for _, ig := range w.ignores {
		if base == ig {
			return true
		}
	}
	return false
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("watch error", "error", err.Error())
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if w.ignored(part) {
			return
		}
	}

	// New directories need watching too; everything else is a file event.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.watchRecursive(event.Name)
			return
		}
	}

	now := time.Now()
	w.mu.Lock()
	if last, ok := w.modified[rel]; !ok || now.Sub(last) >= debounceWindow {
		w.modified[rel] = now
	}
	w.mu.Unlock()
}

// Snapshot returns the relative paths modified since Start (or the last
// Reset), sorted for stable output.
func (w *Watcher) Snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	files := make([]string, 0, len(w.modified))
	for f := range w.modified {
		files = append(files, filepath.ToSlash(f))
	}
	sort.Strings(files)
	return files
}

// Reset clears the captured set, typically between attempts.
func (w *Watcher) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.modified = make(map[string]time.Time)
}

// Stop ends the event loop and releases the underlying watcher. Safe to
// call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	return w.watcher.Close()
}
