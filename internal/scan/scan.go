// Package scan produces cheap repository metrics that feed the
// complexity assessor. Everything here is best effort: a repo that
// cannot be scanned yields zero metrics, never an error that blocks a
// task.
package scan

import (
	"bufio"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/undercity-dev/undercity/internal/complexity"
	"github.com/undercity-dev/undercity/internal/gitops"
	"github.com/undercity-dev/undercity/internal/logging"
)

const (
	// unhealthyLineCount marks a file as oversized.
	unhealthyLineCount = 800

	// hotspotThreshold is the change count over recent history that
	// makes a file a hotspot.
	hotspotThreshold = 5

	// hotspotWindow is how many commits back hotspot counting looks.
	hotspotWindow = 50

	// maxScanFiles caps the walk on very large repos.
	maxScanFiles = 20000
)

// defaultIgnores are doublestar patterns excluded from every scan.
var defaultIgnores = []string{
	"**/.git/**",
	"**/.undercity/**",
	"**/node_modules/**",
	"**/vendor/**",
	"**/dist/**",
	"**/build/**",
	"**/*.min.js",
}

// sourceExtensions are the file types counted as source.
var sourceExtensions = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".py": true, ".rs": true, ".java": true, ".rb": true, ".c": true,
	".h": true, ".cpp": true, ".cs": true, ".swift": true, ".kt": true,
}

// funcMarkers are crude per-language function declaration prefixes.
// Counting them approximates codebase density well enough for routing.
var funcMarkers = []string{"func ", "function ", "def ", "fn "}

// Scanner walks a repository and derives metrics.
type Scanner struct {
	root    string
	git     *gitops.Git
	ignores []string
	logger  *logging.Logger
}

// New creates a scanner rooted at the given repository directory.
func New(root string, git *gitops.Git, logger *logging.Logger) *Scanner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Scanner{root: root, git: git, ignores: defaultIgnores, logger: logger}
}

// WithIgnores appends extra doublestar ignore patterns.
func (s *Scanner) WithIgnores(patterns ...string) *Scanner {
	s.ignores = append(s.ignores, patterns...)
	return s
}

// Scan walks the repo and returns metrics. Walk errors are logged and
// degrade to whatever was counted before the failure.
func (s *Scanner) Scan(ctx context.Context) complexity.Metrics {
	var m complexity.Metrics

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return fs.SkipAll
		}

		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if s.ignored(rel + "/") {
				return fs.SkipDir
			}
			return nil
		}
		if s.ignored(rel) || !sourceExtensions[filepath.Ext(path)] {
			return nil
		}
		if m.FileCount >= maxScanFiles {
			return fs.SkipAll
		}

		m.FileCount++
		lines, funcs := countFile(path)
		m.TotalLines += lines
		m.FunctionCount += funcs
		if lines > unhealthyLineCount {
			m.UnhealthyFiles++
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("repo scan incomplete", "error", err.Error())
	}

	if s.git != nil {
		for _, count := range s.git.RecentFileChanges(ctx, hotspotWindow) {
			if count >= hotspotThreshold {
				m.GitHotspots++
			}
		}
	}

	return m
}

// ignored reports whether a slash-relative path matches any ignore
// pattern. Bad patterns are treated as non-matching.
func (s *Scanner) ignored(rel string) bool {
	for _, pattern := range s.ignores {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
		// Directory checks arrive with a trailing slash.
		trimmed := strings.TrimSuffix(rel, "/")
		if ok, err := doublestar.Match(pattern, trimmed+"/x"); err == nil && ok {
			return true
		}
	}
	return false
}

// countFile counts lines and function declarations in one source file.
// Unreadable files count as empty.
func countFile(path string) (lines, funcs int) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines++
		trimmed := strings.TrimSpace(scanner.Text())
		for _, marker := range funcMarkers {
			if strings.HasPrefix(trimmed, marker) {
				funcs++
				break
			}
		}
	}
	return lines, funcs
}
