package decision

import (
	"context"
	"regexp"

	"github.com/undercity-dev/undercity/internal/learning"
	"github.com/undercity-dev/undercity/internal/store"
)

// Advisor answers PM-decidable questions the policy table cannot. The LLM
// client satisfies this; tests use a canned fake.
type Advisor interface {
	Decide(ctx context.Context, question, decisionContext string) (decision, reasoning string, err error)
}

// policyRule is a canned answer for a recurring question shape.
type policyRule struct {
	pattern   *regexp.Regexp
	decision  string
	reasoning string
}

// Policy answers encode the standing project conventions so common
// questions never reach a model.
var policyRules = []policyRule{
	{
		pattern:   regexp.MustCompile(`(?i)\b(backward|backwards)[ -]compat`),
		decision:  "preserve backward compatibility",
		reasoning: "standing policy: public behaviour stays stable unless the task says otherwise",
	},
	{
		pattern:   regexp.MustCompile(`(?i)\b(new|add|introduce)\b.*\bdependenc`),
		decision:  "avoid introducing a new dependency; use what the repository already imports",
		reasoning: "standing policy: the dependency surface only grows deliberately",
	},
	{
		pattern:   regexp.MustCompile(`(?i)\b(write|add|update)\b.*\btests?\b`),
		decision:  "add or update tests alongside the change",
		reasoning: "standing policy: behaviour changes ship with test coverage",
	},
	{
		pattern:   regexp.MustCompile(`(?i)\bnam(e|ing)\b`),
		decision:  "follow the naming already used in the surrounding package",
		reasoning: "standing policy: local consistency beats global preference",
	},
}

// reuseThreshold is the similarity above which a past resolution is
// reused verbatim.
const reuseThreshold = 0.5

// PM resolves pm_decidable questions: first by reusing similar past
// resolutions, then by the policy table, and only then by asking the
// advisor. Human-required questions are never touched.
type PM struct {
	tracker *Tracker
	advisor Advisor
}

// NewPM creates an automated PM. The advisor may be nil, in which case
// questions beyond the policy table stay pending.
func NewPM(tracker *Tracker, advisor Advisor) *PM {
	return &PM{tracker: tracker, advisor: advisor}
}

// TryResolve attempts to resolve the decision in place. It returns the
// updated decision and true on success, or (nil, false) when the question
// must stay pending. Only auto_handle and pm_decidable categories are
// eligible.
func (p *PM) TryResolve(ctx context.Context, d *store.Decision) (*store.Decision, bool, error) {
	if d.Category == CategoryHumanRequired {
		return nil, false, nil
	}

	// Reuse a similar past answer when one scores high enough.
	similar, err := p.tracker.FindSimilar(ctx, d.Question, 1)
	if err == nil && len(similar) == 1 && similar[0].Resolution != nil {
		prior := similar[0]
		if questionSimilarity(d.Question, prior.Question) >= reuseThreshold {
			resolved, err := p.tracker.Resolve(ctx, d.ID, store.Resolution{
				ResolvedBy: ResolvedByAuto,
				Decision:   prior.Resolution.Decision,
				Reasoning:  "reused resolution of similar question: " + prior.Question,
				Confidence: 0.7,
			})
			if err != nil {
				return nil, false, err
			}
			return resolved, true, nil
		}
	}

	text := d.Question + " " + d.Context
	for _, rule := range policyRules {
		if rule.pattern.MatchString(text) {
			resolved, err := p.tracker.Resolve(ctx, d.ID, store.Resolution{
				ResolvedBy: ResolvedByPM,
				Decision:   rule.decision,
				Reasoning:  rule.reasoning,
				Confidence: 0.9,
			})
			if err != nil {
				return nil, false, err
			}
			return resolved, true, nil
		}
	}

	if d.Category != CategoryPMDecidable || p.advisor == nil {
		return nil, false, nil
	}

	answer, reasoning, err := p.advisor.Decide(ctx, d.Question, d.Context)
	if err != nil || answer == "" {
		// Advisor failures leave the question pending rather than failing
		// the caller.
		return nil, false, nil
	}
	resolved, err := p.tracker.Resolve(ctx, d.ID, store.Resolution{
		ResolvedBy: ResolvedByPM,
		Decision:   answer,
		Reasoning:  reasoning,
		Confidence: 0.6,
	})
	if err != nil {
		return nil, false, err
	}
	return resolved, true, nil
}

// questionSimilarity is the Jaccard overlap of the two questions' keyword
// sets.
func questionSimilarity(a, b string) float64 {
	ka := keywordSet(a)
	kb := keywordSet(b)
	if len(ka) == 0 || len(kb) == 0 {
		return 0
	}
	shared := 0
	for k := range ka {
		if kb[k] {
			shared++
		}
	}
	return float64(shared) / float64(len(ka)+len(kb)-shared)
}

func keywordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, k := range learning.ExtractKeywords(text) {
		set[k] = true
	}
	return set
}
