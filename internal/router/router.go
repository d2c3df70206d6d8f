// Package router selects the model tier each task starts on and defines
// the escalation ladder a failing task climbs. Routing combines the
// complexity assessment, the configured tier cap, and the historical
// success rate of (model, complexity) pairs recorded in the store.
package router

import (
	"context"

	"github.com/undercity-dev/undercity/internal/complexity"
	"github.com/undercity-dev/undercity/internal/config"
	"github.com/undercity-dev/undercity/internal/logging"
	"github.com/undercity-dev/undercity/internal/store"
)

// tierLadder is the escalation order, cheapest first.
var tierLadder = []string{config.TierLow, config.TierMid, config.TierTop}

// tierRank returns a tier's position on the ladder, -1 for unknown tiers.
func tierRank(tier string) int {
	for i, t := range tierLadder {
		if t == tier {
			return i
		}
	}
	return -1
}

// minTier returns the lower of two tiers.
func minTier(a, b string) string {
	if tierRank(a) <= tierRank(b) {
		return a
	}
	return b
}

// maxTierOf returns the higher of two tiers.
func maxTierOf(a, b string) string {
	if tierRank(a) >= tierRank(b) {
		return a
	}
	return b
}

// ReviewLevel describes how hard the plan/result review should look.
type ReviewLevel struct {
	Review        bool   `json:"review"`
	MultiLens     bool   `json:"multiLens"`
	MaxReviewTier string `json:"maxReviewTier"`
}

// Escalation is the result of asking for the next tier up.
type Escalation struct {
	CanEscalate bool   `json:"canEscalate"`
	NextTier    string `json:"nextTier,omitempty"`
}

// minAdjustSamples is the default sample floor before historical metrics
// may override the assessment.
const minAdjustSamples = 5

// adjustThreshold is the success rate below which a (model, complexity)
// pair is considered underperforming.
const adjustThreshold = 0.5

// Router routes tasks to model tiers.
type Router struct {
	cfg    *config.Config
	db     *store.Store
	logger *logging.Logger
}

// New creates a router. The store may be nil, in which case historical
// adjustment is skipped.
func New(cfg *config.Config, db *store.Store, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Router{cfg: cfg, db: db, logger: logger}
}

// DetermineStartingModel picks the tier a task starts on. Rules, in
// order: an explicit override wins (capped at maxTier); test-related
// tasks start at least mid; otherwise critical starts top and everything
// else starts mid; the configured maxTier always caps the result.
func (r *Router) DetermineStartingModel(a complexity.Assessment, override string) string {
	maxTier := r.maxTier()

	if tierRank(override) >= 0 {
		return minTier(override, maxTier)
	}

	tier := config.TierMid
	if a.Level == complexity.LevelCritical {
		tier = config.TierTop
	}
	if a.TestRelated {
		tier = maxTierOf(tier, config.TierMid)
	}
	return minTier(tier, maxTier)
}

// DetermineReviewLevel decides whether and how hard results are reviewed.
// Only critical tasks unlock top-tier multi-lens review; everything below
// is capped at the mid tier. Disabled review wins over everything.
func (r *Router) DetermineReviewLevel(a complexity.Assessment) ReviewLevel {
	if !r.cfg.Review.Enabled {
		return ReviewLevel{}
	}
	if a.Level == complexity.LevelCritical {
		return ReviewLevel{
			Review:        true,
			MultiLens:     true,
			MaxReviewTier: minTier(config.TierTop, r.maxTier()),
		}
	}
	return ReviewLevel{
		Review:        a.NeedsReview || a.Team.Validators > 0,
		MaxReviewTier: minTier(config.TierMid, r.maxTier()),
	}
}

// GetNextModelTier returns the next tier up from current, honouring the
// configured cap. From the top of the ladder there is nowhere to go.
func (r *Router) GetNextModelTier(current string) Escalation {
	return NextTier(current, r.maxTier())
}

// NextTier walks one rung up the ladder, capped at maxTier.
func NextTier(current, maxTier string) Escalation {
	rank := tierRank(current)
	if rank < 0 || rank+1 >= len(tierLadder) {
		return Escalation{}
	}
	next := tierLadder[rank+1]
	if tierRank(next) > tierRank(maxTier) {
		return Escalation{}
	}
	return Escalation{CanEscalate: true, NextTier: next}
}

// AdjustModelFromMetrics upgrades the recommended tier by one when the
// recorded success rate of (model, complexity) is poor and enough samples
// exist to trust it. It never downgrades and never exceeds the cap.
func (r *Router) AdjustModelFromMetrics(ctx context.Context, recommended, level string, minSamples int) string {
	if r.db == nil {
		return recommended
	}
	if minSamples <= 0 {
		minSamples = minAdjustSamples
	}

	model := r.cfg.Models.ForTier(recommended)
	successes, total, err := r.db.ModelSuccessRate(ctx, model, level)
	if err != nil {
		r.logger.Warn("metric lookup failed, keeping recommendation",
			"model", model, "complexity", level, "error", err.Error())
		return recommended
	}
	if total < minSamples {
		return recommended
	}

	rate := float64(successes) / float64(total)
	if rate >= adjustThreshold {
		return recommended
	}

	esc := r.GetNextModelTier(recommended)
	if !esc.CanEscalate {
		return recommended
	}
	r.logger.Info("upgrading tier from historical metrics",
		"from", recommended,
		"to", esc.NextTier,
		"complexity", level,
		"success_rate", rate,
		"samples", total,
	)
	return esc.NextTier
}

// ModelFor resolves a tier to its configured model id.
func (r *Router) ModelFor(tier string) string {
	return r.cfg.Models.ForTier(tier)
}

func (r *Router) maxTier() string {
	if tierRank(r.cfg.Models.MaxTier) >= 0 {
		return r.cfg.Models.MaxTier
	}
	return config.TierTop
}
