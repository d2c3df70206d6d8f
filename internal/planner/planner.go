package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/undercity-dev/undercity/internal/decision"
	"github.com/undercity-dev/undercity/internal/learning"
	"github.com/undercity-dev/undercity/internal/llm"
	"github.com/undercity-dev/undercity/internal/logging"
	"github.com/undercity-dev/undercity/internal/router"
	"github.com/undercity-dev/undercity/internal/store"
)

// Plan outcomes.
const (
	StatusApproved        = "approved"
	StatusAlreadyComplete = "already_complete"
	StatusDecompose       = "decompose"
	StatusBlocked         = "blocked"
	StatusRejected        = "rejected"
)

// Outcome is the result of one planning run.
type Outcome struct {
	Status   string
	Plan     *ExecutionPlan
	Subtasks []string
	Reason   string
	// Tier is the tier that produced the final plan, which may be
	// higher than requested after escalation.
	Tier string
	// Blocking lists pending human-required decisions when Status is
	// blocked.
	Blocking []store.Decision
}

// completer is the slice of the LLM client the planner needs.
type completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Planner drives the tiered plan/review loop.
type Planner struct {
	llm      completer
	learning *learning.Store
	tracker  *decision.Tracker
	pm       *decision.PM
	maxTier  string
	logger   *logging.Logger
}

// New creates a planner. The learning store, tracker, and PM are
// optional; without them pre-context and question resolution degrade
// gracefully.
func New(client completer, ls *learning.Store, tracker *decision.Tracker, pm *decision.PM, maxTier string, logger *logging.Logger) *Planner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Planner{llm: client, learning: ls, tracker: tracker, pm: pm, maxTier: maxTier, logger: logger}
}

// Plan produces a reviewed execution plan for the objective, starting at
// the given tier.
func (p *Planner) Plan(ctx context.Context, objective, workDir, tier, taskID string) (*Outcome, error) {
	log := p.logger.WithTask(taskID).WithPhase("planning")

	preContext := p.gatherContext(ctx, objective)

	plan, err := p.createPlan(ctx, tier, objective, workDir, preContext, "")
	if err != nil {
		return nil, err
	}

	if plan.AlreadyComplete != nil && plan.AlreadyComplete.Likely {
		log.Info("planner judged objective already complete", "reason", plan.AlreadyComplete.Reason)
		return &Outcome{Status: StatusAlreadyComplete, Plan: plan, Reason: plan.AlreadyComplete.Reason, Tier: tier}, nil
	}

	if plan.NeedsDecomposition != nil && plan.NeedsDecomposition.Needed {
		return p.decompose(ctx, plan, objective, workDir, preContext, tier, log)
	}

	// Vague plans get one shot at the next tier up.
	if issues := Validate(plan, workDir); len(issues) > 0 {
		if esc := router.NextTier(tier, p.maxTier); esc.CanEscalate {
			log.Info("plan not specific, escalating planner tier",
				"from", tier, "to", esc.NextTier, "issues", strings.Join(issues, "; "))
			tier = esc.NextTier
			plan, err = p.createPlan(ctx, tier, objective, workDir, preContext,
				"The previous plan was rejected as too vague:\n- "+strings.Join(issues, "\n- "))
			if err != nil {
				return nil, err
			}
		}
	}

	if outcome := p.resolveQuestions(ctx, plan, taskID, log); outcome != nil {
		return outcome, nil
	}

	return p.review(ctx, plan, objective, workDir, tier, log)
}

// ---------------------------------------------------------------------------
// Plan creation

func (p *Planner) createPlan(ctx context.Context, tier, objective, workDir, preContext, feedback string) (*ExecutionPlan, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Create an execution plan for this objective:\n\n%s\n\nWorking directory: %s\n", objective, workDir)
	if preContext != "" {
		b.WriteString("\nContext from previous work on this repository:\n")
		b.WriteString(preContext)
		b.WriteString("\n")
	}
	if feedback != "" {
		b.WriteString("\n")
		b.WriteString(feedback)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nRespond with a JSON object matching this schema:\n%s\n", planSchemaJSON())
	b.WriteString(`
Rules:
- Steps must be concrete actions, never "explore" or "figure out".
- Only name files you are confident exist, except under filesToCreate.
- If the objective already appears done, set alreadyComplete.
- If the objective is too large for one focused change, set needsDecomposition with subtasks.
- List genuine open questions under openQuestions instead of guessing.`)

	resp, err := p.llm.Complete(ctx, llm.Request{
		Tier:     tier,
		System:   "You are a senior engineer planning a code change. Be precise and minimal.",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		JSONOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("plan generation failed: %w", err)
	}

	var plan ExecutionPlan
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan response: %w", err)
	}
	if plan.Objective == "" {
		plan.Objective = objective
	}
	return &plan, nil
}

// gatherContext collects cheap local hints for the planner prompt. All
// lookups are best effort.
func (p *Planner) gatherContext(ctx context.Context, objective string) string {
	if p.learning == nil {
		return ""
	}
	var b strings.Builder

	if files, err := p.learning.PredictFiles(ctx, objective, 5); err == nil && len(files) > 0 {
		b.WriteString("Files previously modified for similar tasks:\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- %s (%d times)\n", f.File, f.Count)
		}
	}
	if learnings, err := p.learning.Relevant(ctx, objective, 3); err == nil && len(learnings) > 0 {
		b.WriteString(learning.RenderCompact(learnings))
	}
	return b.String()
}

// decompose returns the decomposition outcome, escalating tiers until a
// non-empty subtask list arrives or the top tier has been tried.
func (p *Planner) decompose(ctx context.Context, plan *ExecutionPlan, objective, workDir, preContext, tier string, log *logging.Logger) (*Outcome, error) {
	for len(plan.NeedsDecomposition.Subtasks) == 0 {
		esc := router.NextTier(tier, p.maxTier)
		if !esc.CanEscalate {
			break
		}
		tier = esc.NextTier
		log.Info("empty decomposition, escalating", "tier", tier)
		next, err := p.createPlan(ctx, tier, objective, workDir, preContext,
			"The objective needs decomposition into subtasks. Provide a concrete subtask list under needsDecomposition.subtasks.")
		if err != nil {
			return nil, err
		}
		if next.NeedsDecomposition == nil || !next.NeedsDecomposition.Needed {
			// The stronger tier thinks it is plannable after all.
			return p.review(ctx, next, objective, workDir, tier, log)
		}
		plan = next
	}

	if len(plan.NeedsDecomposition.Subtasks) == 0 {
		return &Outcome{Status: StatusRejected, Plan: plan, Tier: tier,
			Reason: "decomposition requested but no subtasks produced at any tier"}, nil
	}
	return &Outcome{
		Status:   StatusDecompose,
		Plan:     plan,
		Subtasks: plan.NeedsDecomposition.Subtasks,
		Reason:   plan.NeedsDecomposition.Reason,
		Tier:     tier,
	}, nil
}

// ---------------------------------------------------------------------------
// Open questions

// resolveQuestions routes each open question through the decision
// tracker. A non-nil return means planning is blocked.
func (p *Planner) resolveQuestions(ctx context.Context, plan *ExecutionPlan, taskID string, log *logging.Logger) *Outcome {
	if len(plan.OpenQuestions) == 0 || p.tracker == nil {
		return nil
	}

	var blocking []store.Decision
	for _, question := range plan.OpenQuestions {
		d, err := p.tracker.Raise(ctx, question, "raised during planning of: "+plan.Objective, taskID)
		if err != nil {
			log.Warn("failed to record open question", "error", err.Error())
			continue
		}
		if p.pm != nil {
			if resolved, ok, err := p.pm.TryResolve(ctx, d); err == nil && ok {
				plan.ResolvedDecisions = append(plan.ResolvedDecisions, ResolvedDecision{
					Question:   resolved.Question,
					Decision:   resolved.Resolution.Decision,
					Reasoning:  resolved.Resolution.Reasoning,
					ResolvedBy: resolved.Resolution.ResolvedBy,
				})
				continue
			}
		}
		blocking = append(blocking, *d)
	}

	if len(blocking) > 0 {
		log.Info("planning blocked on unresolved questions", "count", len(blocking))
		return &Outcome{Status: StatusBlocked, Plan: plan, Blocking: blocking,
			Reason: fmt.Sprintf("%d open question(s) need a human answer", len(blocking))}
	}
	plan.OpenQuestions = nil
	return nil
}

// ---------------------------------------------------------------------------
// Review loop

func (p *Planner) review(ctx context.Context, plan *ExecutionPlan, objective, workDir, plannerTier string, log *logging.Logger) (*Outcome, error) {
	reviewTier := plannerTier
	if esc := router.NextTier(plannerTier, p.maxTier); esc.CanEscalate {
		reviewTier = esc.NextTier
	}

	emptyRetried := false
	for iteration := 0; iteration < MaxPlanIterations; iteration++ {
		review, empty, err := p.reviewOnce(ctx, reviewTier, plan, workDir)
		if err != nil {
			return nil, err
		}
		if empty {
			if emptyRetried {
				return &Outcome{Status: StatusRejected, Plan: plan, Tier: plannerTier,
					Reason: "reviewer returned empty responses"}, nil
			}
			emptyRetried = true
			iteration--
			continue
		}

		if review.SkipExecution {
			return &Outcome{Status: StatusAlreadyComplete, Plan: plan, Tier: plannerTier,
				Reason: firstOr(review.Issues, "reviewer judged execution unnecessary")}, nil
		}
		if review.Approved {
			return &Outcome{Status: StatusApproved, Plan: plan, Tier: plannerTier}, nil
		}
		if !review.Actionable() {
			return &Outcome{Status: StatusRejected, Plan: plan, Tier: plannerTier,
				Reason: "reviewer rejected the plan without actionable feedback"}, nil
		}

		if review.RevisedPlan != nil {
			plan = review.RevisedPlan
			if plan.Objective == "" {
				plan.Objective = objective
			}
			continue
		}

		feedback := "A reviewer rejected the previous plan:\n- " +
			strings.Join(append(review.Issues, review.Suggestions...), "\n- ") +
			"\nProduce a revised plan addressing every point."
		plan, err = p.createPlan(ctx, plannerTier, objective, workDir, "", feedback)
		if err != nil {
			return nil, err
		}
	}

	log.Info("plan not approved within iteration budget")
	return &Outcome{Status: StatusRejected, Plan: plan, Tier: plannerTier,
		Reason: fmt.Sprintf("plan not approved after %d review iterations", MaxPlanIterations)}, nil
}

// reviewOnce runs a single reviewer pass. The bool reports an empty
// response.
func (p *Planner) reviewOnce(ctx context.Context, tier string, plan *ExecutionPlan, workDir string) (*Review, bool, error) {
	planJSON, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode plan: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Review this execution plan:\n\n%s\n", planJSON)
	if missing := missingFiles(workDir, append(append([]string{}, plan.FilesToRead...), plan.FilesToModify...)); len(missing) > 0 {
		fmt.Fprintf(&b, "\nPre-validation found files the plan references that do not exist: %s\n",
			strings.Join(missing, ", "))
	}
	b.WriteString(`
Respond with a JSON object: {"approved": bool, "issues": [string], "suggestions": [string], "revisedPlan": plan?, "skipExecution": bool}.
Approve only plans that are concrete, correctly scoped, and safe.`)

	resp, err := p.llm.Complete(ctx, llm.Request{
		Tier:     tier,
		System:   "You are reviewing another engineer's execution plan. Be strict but practical.",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		JSONOnly: true,
	})
	if err != nil {
		return nil, false, fmt.Errorf("plan review failed: %w", err)
	}

	raw := extractJSON(resp.Content)
	if raw == "" {
		return nil, true, nil
	}
	var review Review
	if err := json.Unmarshal([]byte(raw), &review); err != nil {
		return nil, true, nil
	}
	return &review, false, nil
}

func firstOr(items []string, fallback string) string {
	if len(items) > 0 {
		return items[0]
	}
	return fallback
}
