// Package verify runs the configured typecheck and test commands against
// a workspace and turns failures into actionable feedback for the next
// attempt.
package verify

import (
	"context"
	"fmt"
	"strings"

	"github.com/undercity-dev/undercity/internal/config"
	"github.com/undercity-dev/undercity/internal/errors"
	"github.com/undercity-dev/undercity/internal/gitops"
	"github.com/undercity-dev/undercity/internal/learning"
	"github.com/undercity-dev/undercity/internal/logging"
)

// maxFeedbackOutput bounds how much raw command output flows into
// feedback prompts.
const maxFeedbackOutput = 4000

// Issue is one classified verification failure.
type Issue struct {
	Kind    errors.Kind `json:"kind"`
	Command string      `json:"command"`
	Output  string      `json:"output"`
	// Retryable marks failures that look transient (network flake)
	// rather than caused by the change under test.
	Retryable bool `json:"retryable"`
}

// Result is the outcome of one verification pass.
type Result struct {
	Passed       bool     `json:"passed"`
	Feedback     string   `json:"feedback,omitempty"`
	Issues       []Issue  `json:"issues,omitempty"`
	FilesChanged []string `json:"filesChanged,omitempty"`
	HasWarnings  bool     `json:"hasWarnings"`
}

// Verifier runs verification commands in a workspace.
type Verifier struct {
	cfg      config.VerifyConfig
	executor gitops.CommandExecutor
	learning *learning.Store
	logger   *logging.Logger
}

// New creates a verifier. The learning store is optional; without it
// feedback carries only the raw failure.
func New(cfg config.VerifyConfig, executor gitops.CommandExecutor, ls *learning.Store, logger *logging.Logger) *Verifier {
	if executor == nil {
		executor = gitops.CLIExecutor{}
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Verifier{cfg: cfg, executor: executor, learning: ls, logger: logger}
}

// Run executes typecheck then tests in the given directory. The first
// failing stage short-circuits: its feedback is what the next attempt
// needs.
func (v *Verifier) Run(ctx context.Context, dir string, filesChanged []string) Result {
	res := Result{Passed: true, FilesChanged: filesChanged}

	if v.cfg.Typecheck && v.cfg.TypecheckCommand != "" {
		if issue, ok := v.runCommand(ctx, dir, v.cfg.TypecheckCommand, errors.KindTypecheck); !ok {
			res.Passed = false
			res.Issues = append(res.Issues, issue)
			res.Feedback = v.enrich(ctx, issue, filesChanged)
			return res
		}
	}

	if v.cfg.TestCommand != "" {
		if issue, ok := v.runCommand(ctx, dir, v.cfg.TestCommand, errors.KindTest); !ok {
			res.Passed = false
			res.Issues = append(res.Issues, issue)
			res.Feedback = v.enrich(ctx, issue, filesChanged)
			return res
		}
	}

	return res
}

// runCommand executes one shell command with the configured timeout.
func (v *Verifier) runCommand(ctx context.Context, dir, command string, failKind errors.Kind) (Issue, bool) {
	runCtx, cancel := context.WithTimeout(ctx, v.cfg.Timeout())
	defer cancel()

	out, err := v.executor.Run(runCtx, dir, "sh", "-c", command)
	if err == nil {
		return Issue{}, true
	}

	output := strings.TrimSpace(string(out))
	issue := Issue{
		Kind:    failKind,
		Command: command,
		Output:  truncateOutput(output),
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		issue.Kind = errors.KindTimeout
	} else if errors.IsTransientNetwork(err) || errors.IsTransientNetwork(errors.New(output)) {
		issue.Kind = errors.KindNetworkTransient
		issue.Retryable = true
	}
	return issue, false
}

// enrich builds feedback for the failed issue. The base feedback always
// flows; every learning-store lookup is best effort and failures there
// are swallowed.
func (v *Verifier) enrich(ctx context.Context, issue Issue, filesChanged []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed (`%s`):\n%s\n", stageName(issue.Kind), issue.Command, issue.Output)

	if issue.Retryable {
		b.WriteString("\nThe failure looks like a transient network error, not caused by the change.\n")
	}
	if v.learning == nil {
		return b.String()
	}

	if fixes, err := v.learning.SuggestFixes(ctx, issue.Output, 3); err == nil && len(fixes) > 0 {
		b.WriteString("\nFixes that worked for this error before:\n")
		b.WriteString(learning.RenderFixes(fixes))
	}

	if hints := v.coModificationHints(ctx, filesChanged); hints != "" {
		b.WriteString("\nFiles usually modified together with your changes:\n")
		b.WriteString(hints)
	}

	if relevant, err := v.learning.Relevant(ctx, issue.Output, 3); err == nil && len(relevant) > 0 {
		b.WriteString("\nRelated learnings:\n")
		b.WriteString(learning.RenderCompact(relevant))
	}

	if _, err := v.learning.RecordError(ctx, issue.Output, string(issue.Kind)); err != nil {
		v.logger.Warn("failed to record error pattern", "error", err.Error())
	}

	return b.String()
}

// coModificationHints lists frequently co-modified files the attempt did
// not touch.
func (v *Verifier) coModificationHints(ctx context.Context, filesChanged []string) string {
	changed := make(map[string]bool, len(filesChanged))
	for _, f := range filesChanged {
		changed[f] = true
	}

	var lines []string
	for _, f := range filesChanged {
		pairs, err := v.learning.CoModifiedWith(ctx, f, 3)
		if err != nil {
			continue
		}
		for _, p := range pairs {
			if changed[p.File] {
				continue
			}
			changed[p.File] = true
			lines = append(lines, fmt.Sprintf("- %s (often changes with %s)", p.File, f))
		}
	}
	return strings.Join(lines, "\n")
}

func stageName(kind errors.Kind) string {
	switch kind {
	case errors.KindTypecheck:
		return "Typecheck"
	case errors.KindTest, errors.KindNetworkTransient, errors.KindTimeout:
		return "Tests"
	default:
		return "Verification"
	}
}

func truncateOutput(s string) string {
	if len(s) <= maxFeedbackOutput {
		return s
	}
	// Keep the tail: test runners print the failure summary last.
	return "..." + s[len(s)-maxFeedbackOutput:]
}
