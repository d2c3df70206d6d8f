// Package review runs the post-execution review pass: a model at the
// configured tier reads the objective and the touched files and either
// approves the change or returns actionable issues for the next
// attempt.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/undercity-dev/undercity/internal/config"
	"github.com/undercity-dev/undercity/internal/llm"
	"github.com/undercity-dev/undercity/internal/logging"
)

// Review intensities.
const (
	IntensityLight    = "light"
	IntensityStandard = "standard"
	IntensityThorough = "thorough"
)

type completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// verdict is the model's JSON response.
type verdict struct {
	Approved bool     `json:"approved"`
	Issues   []string `json:"issues,omitempty"`
}

// Reviewer judges finished changes.
type Reviewer struct {
	llm       completer
	intensity string
	logger    *logging.Logger
}

// New creates a reviewer with the configured intensity.
func New(client completer, cfg config.ReviewConfig, logger *logging.Logger) *Reviewer {
	if logger == nil {
		logger = logging.NopLogger()
	}
	intensity := cfg.Intensity
	if !config.IsValidIntensity(intensity) {
		intensity = IntensityStandard
	}
	return &Reviewer{llm: client, intensity: intensity, logger: logger}
}

// Review asks the tier's model to judge the change. An unparseable
// response approves: review is advisory and must not wedge a task.
func (r *Reviewer) Review(ctx context.Context, objective string, files []string, tier string) (bool, []string, error) {
	resp, err := r.llm.Complete(ctx, llm.Request{
		Tier:     tier,
		System:   r.systemPrompt(),
		Messages: []llm.Message{{Role: llm.RoleUser, Content: buildPrompt(objective, files)}},
		JSONOnly: true,
	})
	if err != nil {
		return false, nil, fmt.Errorf("review call failed: %w", err)
	}

	v, ok := parseVerdict(resp.Content)
	if !ok {
		r.logger.Warn("unparseable review response, approving", "content", truncate(resp.Content, 200))
		return true, nil, nil
	}
	if !v.Approved && len(v.Issues) == 0 {
		// A rejection with nothing actionable cannot drive a retry.
		return true, nil, nil
	}
	return v.Approved, v.Issues, nil
}

func (r *Reviewer) systemPrompt() string {
	base := "You review code changes made by an autonomous coding agent. Judge whether the change plausibly satisfies its objective."
	switch r.intensity {
	case IntensityLight:
		return base + " Flag only defects that would break the build or clearly miss the objective."
	case IntensityThorough:
		return base + " Also flag missing test coverage, naming problems, and edge cases the change does not handle."
	default:
		return base + " Flag correctness problems and objective mismatches; ignore style."
	}
}

func buildPrompt(objective string, files []string) string {
	var b strings.Builder
	b.WriteString("Objective: ")
	b.WriteString(objective)
	b.WriteString("\n\nFiles modified:\n")
	if len(files) == 0 {
		b.WriteString("(none)\n")
	}
	for _, f := range files {
		b.WriteString("- " + f + "\n")
	}
	b.WriteString("\nRespond with JSON: {\"approved\": bool, \"issues\": [\"...\"]}\n")
	b.WriteString("List an issue only if it is concrete enough to act on.")
	return b.String()
}

func parseVerdict(content string) (verdict, bool) {
	content = strings.TrimSpace(content)
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return verdict{}, false
	}
	var v verdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return verdict{}, false
	}
	return v, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
