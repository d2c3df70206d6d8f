// Package decision tracks the questions raised during planning and
// execution: classifying them by who may answer (automatic handling, the
// automated PM, or a human), recording resolutions, and keeping an
// immutable log of human overrides. Past resolutions feed back into
// planning so the same question is not asked twice.
package decision

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/undercity-dev/undercity/internal/errors"
	"github.com/undercity-dev/undercity/internal/learning"
	"github.com/undercity-dev/undercity/internal/logging"
	"github.com/undercity-dev/undercity/internal/store"
)

// Decision categories: who is allowed to answer.
const (
	CategoryAutoHandle    = "auto_handle"
	CategoryPMDecidable   = "pm_decidable"
	CategoryHumanRequired = "human_required"
)

// Resolver identities recorded in resolutions.
const (
	ResolvedByAuto  = "auto"
	ResolvedByPM    = "pm"
	ResolvedByHuman = "human"
)

// MaxResolvedDecisions caps retained resolved decisions; older entries are
// pruned on insert.
const MaxResolvedDecisions = 500

// humanRequiredPatterns force a question to a human regardless of anything
// else it matches. Destructive and production-impacting language belongs
// here.
var humanRequiredPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(delete|remove|drop|destroy|wipe|truncate|purge)\b.*\b(prod|production|database|db|data|table|user)`),
	regexp.MustCompile(`(?i)\b(prod|production)\b.*\b(delete|remove|drop|destroy|deploy|push|migrate)`),
	regexp.MustCompile(`(?i)\b(secret|credential|api[ -]?key|password|token)s?\b`),
	regexp.MustCompile(`(?i)\b(payment|billing|invoice|charge)\b`),
	regexp.MustCompile(`(?i)\bforce[ -]?push\b`),
	regexp.MustCompile(`(?i)\birreversible\b`),
}

// autoHandlePatterns mark questions the system can answer itself:
// mechanical retries, formatting, ordering.
var autoHandlePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bretry(ing)?\b`),
	regexp.MustCompile(`(?i)\b(format|lint|typo|whitespace|import order)\b`),
	regexp.MustCompile(`(?i)\b(rename|reorder) (a |the )?(variable|parameter|import)s?\b`),
	regexp.MustCompile(`(?i)\btransient\b`),
}

// Classify assigns a category to a question given its surrounding context.
// Human-required patterns win over everything; auto-handle patterns win
// over the default; anything else is PM-decidable.
func Classify(question, context string) string {
	text := question + " " + context
	for _, p := range humanRequiredPatterns {
		if p.MatchString(text) {
			return CategoryHumanRequired
		}
	}
	for _, p := range autoHandlePatterns {
		if p.MatchString(text) {
			return CategoryAutoHandle
		}
	}
	return CategoryPMDecidable
}

// Tracker is the decision service over the embedded store.
type Tracker struct {
	db     *store.Store
	logger *logging.Logger
	now    func() time.Time
}

// NewTracker creates a decision tracker backed by db.
func NewTracker(db *store.Store, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Tracker{db: db, logger: logger, now: time.Now}
}

// Raise records a new pending decision, classifying it on the way in.
func (t *Tracker) Raise(ctx context.Context, question, decisionContext, taskID string) (*store.Decision, error) {
	if strings.TrimSpace(question) == "" {
		return nil, errors.NewValidationError("decision question is empty")
	}
	d := &store.Decision{
		ID:        uuid.NewString(),
		Question:  question,
		Context:   decisionContext,
		Category:  Classify(question, decisionContext),
		Status:    store.DecisionPending,
		TaskID:    taskID,
		CreatedAt: t.now(),
	}
	if err := t.db.SaveDecision(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Resolve marks a decision resolved. Human-required decisions may only be
// resolved by a human; this is the invariant the automated paths must not
// be able to break.
func (t *Tracker) Resolve(ctx context.Context, id string, res store.Resolution) (*store.Decision, error) {
	d, err := t.db.GetDecision(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == store.DecisionResolved {
		return nil, errors.NewValidationError("decision already resolved").WithField("id")
	}
	if d.Category == CategoryHumanRequired && res.ResolvedBy != ResolvedByHuman {
		return nil, errors.NewValidationError("human-required decision cannot be auto-resolved").WithField("resolvedBy")
	}
	switch res.ResolvedBy {
	case ResolvedByAuto, ResolvedByPM, ResolvedByHuman:
	default:
		return nil, errors.NewValidationError("unknown resolver " + res.ResolvedBy).WithField("resolvedBy")
	}

	now := t.now()
	d.Status = store.DecisionResolved
	d.ResolvedAt = &now
	d.Resolution = &res
	if err := t.db.SaveDecision(ctx, d); err != nil {
		return nil, err
	}

	if pruned, err := t.db.PruneResolvedDecisions(ctx, MaxResolvedDecisions); err != nil {
		t.logger.Warn("decision pruning failed", "error", err.Error())
	} else if pruned > 0 {
		t.logger.Debug("pruned old resolved decisions", "count", pruned)
	}
	return d, nil
}

// Override appends an immutable human amendment to a resolved decision.
func (t *Tracker) Override(ctx context.Context, id, override string) error {
	if strings.TrimSpace(override) == "" {
		return errors.NewValidationError("override text is empty")
	}
	if _, err := t.db.GetDecision(ctx, id); err != nil {
		return err
	}
	return t.db.AddDecisionOverride(ctx, id, override)
}

// Overrides lists the override log for a decision, oldest first.
func (t *Tracker) Overrides(ctx context.Context, id string) ([]store.DecisionOverride, error) {
	return t.db.ListDecisionOverrides(ctx, id)
}

// Pending lists unresolved decisions, oldest first.
func (t *Tracker) Pending(ctx context.Context) ([]store.Decision, error) {
	return t.db.ListDecisions(ctx, store.DecisionPending, 0)
}

// Get returns one decision by id.
func (t *Tracker) Get(ctx context.Context, id string) (*store.Decision, error) {
	return t.db.GetDecision(ctx, id)
}

// FindSimilar returns resolved decisions whose questions resemble the
// given one, best match first. Used during planning to reuse answers.
func (t *Tracker) FindSimilar(ctx context.Context, question string, limit int) ([]store.Decision, error) {
	want := learning.ExtractKeywords(question)
	if len(want) == 0 {
		return nil, nil
	}
	wantSet := make(map[string]bool, len(want))
	for _, k := range want {
		wantSet[k] = true
	}

	resolved, err := t.db.ListDecisions(ctx, store.DecisionResolved, 0)
	if err != nil {
		return nil, err
	}

	type scored struct {
		d     store.Decision
		score float64
	}
	var matches []scored
	for _, d := range resolved {
		have := learning.ExtractKeywords(d.Question)
		if len(have) == 0 {
			continue
		}
		shared := 0
		for _, k := range have {
			if wantSet[k] {
				shared++
			}
		}
		if shared == 0 {
			continue
		}
		score := float64(shared) / float64(len(want)+len(have)-shared)
		matches = append(matches, scored{d, score})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]store.Decision, len(matches))
	for i, m := range matches {
		out[i] = m.d
	}
	return out, nil
}
