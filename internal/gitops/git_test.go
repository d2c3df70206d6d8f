package gitops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// fakeExecutor records invocations and replays canned results.
type fakeExecutor struct {
	calls   [][]string
	results map[string]fakeResult
}

type fakeResult struct {
	output string
	err    error
}

func (f *fakeExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	key := strings.Join(call, " ")
	if res, ok := f.results[key]; ok {
		return []byte(res.output), res.err
	}
	return nil, nil
}

func (f *fakeExecutor) lastCall() string {
	if len(f.calls) == 0 {
		return ""
	}
	return strings.Join(f.calls[len(f.calls)-1], " ")
}

func TestMergeStrategies(t *testing.T) {
	tests := []struct {
		strategy string
		want     string
	}{
		{StrategyDefault, "git merge work/b1"},
		{StrategyOurs, "git merge -X ours work/b1"},
		{StrategyTheirs, "git merge -X theirs work/b1"},
	}
	for _, tt := range tests {
		exec := &fakeExecutor{}
		g := NewWithExecutor("/repo", exec)
		if err := g.Merge(context.Background(), "work/b1", tt.strategy); err != nil {
			t.Fatalf("Merge(%s) failed: %v", tt.strategy, err)
		}
		if got := exec.lastCall(); got != tt.want {
			t.Errorf("Merge(%s) invoked %q, want %q", tt.strategy, got, tt.want)
		}
	}
}

func TestGitErrorCarriesOutput(t *testing.T) {
	exec := &fakeExecutor{results: map[string]fakeResult{
		"git rebase main": {
			output: "CONFLICT (content): Merge conflict in shared.go",
			err:    fmt.Errorf("exit status 1"),
		},
	}}
	g := NewWithExecutor("/repo", exec)

	err := g.Rebase(context.Background(), "main")
	if err == nil {
		t.Fatal("expected rebase error")
	}
	var gitErr *GitError
	if !errors.As(err, &gitErr) {
		t.Fatalf("error type = %T, want *GitError", err)
	}
	if !strings.Contains(gitErr.Error(), "CONFLICT") {
		t.Errorf("error %q does not carry git output", gitErr.Error())
	}
	if gitErr.Op != "rebase" {
		t.Errorf("Op = %q, want rebase", gitErr.Op)
	}
}

func TestCommitAllNothingToCommit(t *testing.T) {
	exec := &fakeExecutor{results: map[string]fakeResult{
		"git commit -m done": {
			output: "nothing to commit, working tree clean",
			err:    fmt.Errorf("exit status 1"),
		},
	}}
	g := NewWithExecutor("/repo", exec)

	if err := g.CommitAll(context.Background(), "done"); err != nil {
		t.Errorf("CommitAll with clean tree should succeed, got %v", err)
	}
}

func TestDiffNameOnly(t *testing.T) {
	exec := &fakeExecutor{results: map[string]fakeResult{
		"git diff --name-only main...work/b1": {output: "a.go\nb/c.go\n\n"},
	}}
	g := NewWithExecutor("/repo", exec)

	files, err := g.DiffNameOnly(context.Background(), "main", "work/b1")
	if err != nil {
		t.Fatalf("DiffNameOnly failed: %v", err)
	}
	want := []string{"a.go", "b/c.go"}
	if len(files) != len(want) || files[0] != want[0] || files[1] != want[1] {
		t.Errorf("files = %v, want %v", files, want)
	}
}

func TestConflictFiles(t *testing.T) {
	exec := &fakeExecutor{results: map[string]fakeResult{
		"git diff --name-only --diff-filter=U": {output: "shared.go\n"},
	}}
	g := NewWithExecutor("/repo", exec)

	files, err := g.ConflictFiles(context.Background())
	if err != nil {
		t.Fatalf("ConflictFiles failed: %v", err)
	}
	if len(files) != 1 || files[0] != "shared.go" {
		t.Errorf("files = %v, want [shared.go]", files)
	}
}

func TestRecentFileChangesDegradesToEmpty(t *testing.T) {
	exec := &fakeExecutor{results: map[string]fakeResult{
		"git log -50 --name-only --pretty=format:": {err: fmt.Errorf("not a git repository")},
	}}
	g := NewWithExecutor("/repo", exec)

	counts := g.RecentFileChanges(context.Background(), 50)
	if len(counts) != 0 {
		t.Errorf("counts = %v, want empty on error", counts)
	}
}
