// Package planner turns a task objective into a reviewed execution plan.
// A cheap tier drafts the plan, the tier above reviews it, and open
// questions raised along the way go through the decision tracker before
// execution may start.
package planner

import (
	"encoding/json"
	"strings"

	"github.com/invopop/jsonschema"
)

// MaxPlanIterations bounds the plan/review loop.
const MaxPlanIterations = 3

// AlreadyComplete is the planner's claim that the objective is done.
type AlreadyComplete struct {
	Likely bool   `json:"likely"`
	Reason string `json:"reason,omitempty"`
}

// NeedsDecomposition is the planner's claim that the objective is too
// large for one task.
type NeedsDecomposition struct {
	Needed   bool     `json:"needed"`
	Reason   string   `json:"reason,omitempty"`
	Subtasks []string `json:"subtasks,omitempty"`
}

// ResolvedDecision records an open question answered during planning.
type ResolvedDecision struct {
	Question   string `json:"question"`
	Decision   string `json:"decision"`
	Reasoning  string `json:"reasoning,omitempty"`
	ResolvedBy string `json:"resolvedBy"`
}

// ExecutionPlan is the contract between planning and execution.
type ExecutionPlan struct {
	Objective       string   `json:"objective"`
	FilesToRead     []string `json:"filesToRead,omitempty"`
	FilesToModify   []string `json:"filesToModify,omitempty"`
	FilesToCreate   []string `json:"filesToCreate,omitempty"`
	Steps           []string `json:"steps"`
	Risks           []string `json:"risks,omitempty"`
	ExpectedOutcome string   `json:"expectedOutcome,omitempty"`

	AlreadyComplete    *AlreadyComplete    `json:"alreadyComplete,omitempty"`
	NeedsDecomposition *NeedsDecomposition `json:"needsDecomposition,omitempty"`
	OpenQuestions      []string            `json:"openQuestions,omitempty"`
	ResolvedDecisions  []ResolvedDecision  `json:"resolvedDecisions,omitempty"`
}

// Review is the reviewer's verdict on a plan.
type Review struct {
	Approved      bool           `json:"approved"`
	Issues        []string       `json:"issues,omitempty"`
	Suggestions   []string       `json:"suggestions,omitempty"`
	RevisedPlan   *ExecutionPlan `json:"revisedPlan,omitempty"`
	SkipExecution bool           `json:"skipExecution,omitempty"`
}

// Actionable reports whether the review carries feedback the planner can
// revise against.
func (r Review) Actionable() bool {
	return len(r.Issues) > 0 || len(r.Suggestions) > 0 || r.RevisedPlan != nil
}

// planSchemaJSON renders the ExecutionPlan JSON schema for prompt
// embedding.
func planSchemaJSON() string {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(&ExecutionPlan{})
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// extractJSON pulls the first JSON object out of a model response,
// tolerating markdown fences and surrounding prose.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "```"); idx >= 0 {
		rest := content[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			content = rest[:end]
		} else {
			content = rest
		}
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}
