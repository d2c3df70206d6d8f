// Package gitops wraps the git CLI operations the merge queue and workers
// need: branching, rebase, merge with a conflict strategy, push, and diff
// inspection. Commands run through a CommandExecutor so tests can supply
// a fake instead of a real repository.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command in dir and returns combined output.
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// CLIExecutor executes commands using os/exec.
type CLIExecutor struct{}

// Run executes a command and returns combined output.
func (CLIExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// GitError carries the failing git invocation and its output.
type GitError struct {
	Op     string
	Args   []string
	Output string
	Err    error
}

// Error returns the error string with trimmed git output appended.
func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s failed", e.Op)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *GitError) Unwrap() error {
	return e.Err
}

// Merge strategies applied when an automatic merge conflicts.
const (
	StrategyDefault = "default"
	StrategyOurs    = "ours"
	StrategyTheirs  = "theirs"
)

// Git runs git operations against one repository.
type Git struct {
	repoDir  string
	executor CommandExecutor
}

// New creates a Git runner for repoDir using the real CLI.
func New(repoDir string) *Git {
	return &Git{repoDir: repoDir, executor: CLIExecutor{}}
}

// NewWithExecutor creates a Git runner with a custom executor, primarily
// for tests.
func NewWithExecutor(repoDir string, executor CommandExecutor) *Git {
	return &Git{repoDir: repoDir, executor: executor}
}

func (g *Git) run(ctx context.Context, op string, args ...string) ([]byte, error) {
	out, err := g.executor.Run(ctx, g.repoDir, "git", args...)
	if err != nil {
		return out, &GitError{Op: op, Args: args, Output: string(out), Err: err}
	}
	return out, nil
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// CreateBranch creates and checks out a new branch from the current HEAD.
func (g *Git) CreateBranch(ctx context.Context, name string) error {
	_, err := g.run(ctx, "checkout -b", "checkout", "-b", name)
	return err
}

// Checkout switches to an existing branch.
func (g *Git) Checkout(ctx context.Context, name string) error {
	_, err := g.run(ctx, "checkout", "checkout", name)
	return err
}

// Rebase rebases the current branch onto the given base.
func (g *Git) Rebase(ctx context.Context, onto string) error {
	_, err := g.run(ctx, "rebase", "rebase", onto)
	return err
}

// RebaseAbort abandons an in-progress rebase.
func (g *Git) RebaseAbort(ctx context.Context) error {
	_, err := g.run(ctx, "rebase --abort", "rebase", "--abort")
	return err
}

// Merge merges branch into the current branch, fast-forwarding when
// possible. A non-default strategy resolves conflicted hunks in favour of
// one side (-X ours / -X theirs).
func (g *Git) Merge(ctx context.Context, branch, strategy string) error {
	args := []string{"merge"}
	switch strategy {
	case StrategyOurs:
		args = append(args, "-X", "ours")
	case StrategyTheirs:
		args = append(args, "-X", "theirs")
	}
	args = append(args, branch)
	_, err := g.run(ctx, "merge", args...)
	return err
}

// MergeAbort abandons an in-progress merge.
func (g *Git) MergeAbort(ctx context.Context) error {
	_, err := g.run(ctx, "merge --abort", "merge", "--abort")
	return err
}

// Push pushes the given branch to origin.
func (g *Git) Push(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "push", "push", "origin", branch)
	return err
}

// CommitAll stages everything and commits. Committing with nothing staged
// is not an error.
func (g *Git) CommitAll(ctx context.Context, message string) error {
	if _, err := g.run(ctx, "add", "add", "-A"); err != nil {
		return err
	}
	out, err := g.executor.Run(ctx, g.repoDir, "git", "commit", "-m", message)
	if err != nil {
		if strings.Contains(string(out), "nothing to commit") {
			return nil
		}
		return &GitError{Op: "commit", Args: []string{"commit", "-m", message}, Output: string(out), Err: err}
	}
	return nil
}

// HasUncommittedChanges reports whether the working tree is dirty.
func (g *Git) HasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := g.run(ctx, "status", "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// DiffNameOnly returns the files changed between base and head.
func (g *Git) DiffNameOnly(ctx context.Context, base, head string) ([]string, error) {
	out, err := g.run(ctx, "diff --name-only", "diff", "--name-only", base+"..."+head)
	if err != nil {
		return nil, err
	}
	return splitLines(string(out)), nil
}

// ConflictFiles returns the paths currently in conflict.
func (g *Git) ConflictFiles(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "diff --name-only --diff-filter=U",
		"diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(string(out)), nil
}

// DeleteBranch force-deletes a local branch.
func (g *Git) DeleteBranch(ctx context.Context, name string) error {
	_, err := g.run(ctx, "branch -D", "branch", "-D", name)
	return err
}

// Log returns the subject lines of the last n commits on branch.
func (g *Git) Log(ctx context.Context, branch string, n int) ([]string, error) {
	out, err := g.run(ctx, "log", "log", branch, fmt.Sprintf("-%d", n), "--pretty=format:%s")
	if err != nil {
		return nil, err
	}
	return splitLines(string(out)), nil
}

// RecentFileChanges returns file → change count over the last n commits,
// used for hotspot detection. Errors degrade to an empty map: hotspot
// data is advisory.
func (g *Git) RecentFileChanges(ctx context.Context, n int) map[string]int {
	out, err := g.run(ctx, "log --name-only",
		"log", fmt.Sprintf("-%d", n), "--name-only", "--pretty=format:")
	if err != nil {
		return map[string]int{}
	}
	counts := make(map[string]int)
	for _, line := range splitLines(string(out)) {
		counts[line]++
	}
	return counts
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
