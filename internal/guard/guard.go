// Package guard wraps LLM calls with usage pre-checks and post-call
// accounting. Every provider call flows through a Guard: the pre-check
// blocks while the tracker is paused or a window budget is exhausted,
// and the post-step feeds token usage (or a 429 hit) back to the
// tracker. Failures surface as result values, never panics.
package guard

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/undercity-dev/undercity/internal/config"
	"github.com/undercity-dev/undercity/internal/errors"
	"github.com/undercity-dev/undercity/internal/logging"
	"github.com/undercity-dev/undercity/internal/ratelimit"
)

// Estimated resume delays for threshold pauses. The 5h window drains
// much faster than the weekly one.
const (
	fiveHourResumeDelay = 30 * time.Minute
	weeklyResumeDelay   = 2 * time.Hour
)

// tokenEncoding is the BPE encoding used for prompt-size estimation.
const tokenEncoding = "cl100k_base"

// Usage is the token usage extracted from a provider response.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Extractor pulls token usage out of a provider response. ok reports
// whether the response carried usage data.
type Extractor func(resp any) (u Usage, ok bool)

// Op is a guarded LLM call. It returns the provider response, which the
// caller's Extractor inspects for token usage.
type Op func(ctx context.Context) (any, error)

// Result reports the outcome of a guarded call.
type Result struct {
	// Resp is the operation's response when it ran and succeeded.
	Resp any
	// Executed reports whether the wrapped operation was invoked at all.
	Executed bool
	// RateLimited reports a pre-check block or an in-flight 429.
	RateLimited bool
	// Err carries the failure, including the block reason when the
	// pre-check refused the call.
	Err error
}

// CheckResult reports whether a call may proceed.
type CheckResult struct {
	Allowed bool
	Reason  string
}

// Option configures a Guard.
type Option func(*Guard)

// WithOnPause registers a callback fired when the guard pauses work
// because a window budget is exhausted.
func WithOnPause(fn func(reason string, resumeAt time.Time)) Option {
	return func(g *Guard) { g.onPause = fn }
}

// WithOnWarning registers a callback fired when a window first crosses
// the warning threshold.
func WithOnWarning(fn func(window ratelimit.Window, fraction float64)) Option {
	return func(g *Guard) { g.onWarning = fn }
}

// Guard wraps LLM calls with a usage pre-check and post-call recording.
// It is safe for concurrent use.
type Guard struct {
	cfg     config.RateLimitsConfig
	tracker *ratelimit.Tracker
	logger  *logging.Logger

	onPause   func(reason string, resumeAt time.Time)
	onWarning func(window ratelimit.Window, fraction float64)

	mu     sync.Mutex
	warned map[ratelimit.Window]bool

	encOnce sync.Once
	enc     *tiktoken.Tiktoken

	now func() time.Time
}

// New creates a Guard over the tracker.
func New(cfg config.RateLimitsConfig, tracker *ratelimit.Tracker, logger *logging.Logger, opts ...Option) *Guard {
	if logger == nil {
		logger = logging.NopLogger()
	}
	g := &Guard{
		cfg:     cfg,
		tracker: tracker,
		logger:  logger,
		warned:  make(map[ratelimit.Window]bool),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckUsage decides whether an LLM call may proceed. While the tracker
// is paused the call is blocked with the remaining wait. When a window
// sits at or above the pause threshold and auto-pause is on, the guard
// pauses the tracker itself with an estimated resume. Crossing the
// warning threshold fires the warning callback but lets the call through.
func (g *Guard) CheckUsage() CheckResult {
	if g.tracker.IsPaused() {
		return CheckResult{Reason: fmt.Sprintf("rate limited, resume in %s", g.tracker.FormatRemainingTime())}
	}

	five := g.tracker.GetUsagePercentage(ratelimit.WindowFiveHour)
	weekly := g.tracker.GetUsagePercentage(ratelimit.WindowWeekly)

	if g.cfg.AutoPause {
		if five >= g.cfg.PauseThreshold {
			return g.pause(ratelimit.WindowFiveHour, five, fiveHourResumeDelay)
		}
		if weekly >= g.cfg.PauseThreshold {
			return g.pause(ratelimit.WindowWeekly, weekly, weeklyResumeDelay)
		}
	}

	g.maybeWarn(ratelimit.WindowFiveHour, five)
	g.maybeWarn(ratelimit.WindowWeekly, weekly)

	return CheckResult{Allowed: true}
}

func (g *Guard) pause(window ratelimit.Window, fraction float64, delay time.Duration) CheckResult {
	resumeAt := g.now().Add(delay)
	reason := fmt.Sprintf("%s window at %.0f%% of budget", window, fraction*100)

	g.tracker.Pause(reason, resumeAt)
	g.logger.Warn("usage pause",
		"window", string(window),
		"fraction", fraction,
		"resume_at", resumeAt.Format(time.RFC3339),
	)
	if g.onPause != nil {
		g.onPause(reason, resumeAt)
	}

	return CheckResult{Reason: fmt.Sprintf("%s, pausing until %s", reason, resumeAt.Format(time.Kitchen))}
}

// maybeWarn fires the warning callback once per threshold crossing; the
// latch resets when the window drops back below the threshold.
func (g *Guard) maybeWarn(window ratelimit.Window, fraction float64) {
	g.mu.Lock()
	crossed := fraction >= g.cfg.WarningThreshold
	fire := crossed && !g.warned[window]
	g.warned[window] = crossed
	g.mu.Unlock()

	if !fire {
		return
	}
	g.logger.Warn("usage warning", "window", string(window), "fraction", fraction)
	if g.onWarning != nil {
		g.onWarning(window, fraction)
	}
}

// Execute runs op through the guard. A pre-check block returns
// {Executed: false, RateLimited: true} without invoking op. A 429 from
// op records the hit (pausing the model) and returns {Executed: true,
// RateLimited: true}. On success the extractor's usage is recorded
// against model.
func (g *Guard) Execute(ctx context.Context, model string, op Op, extract Extractor) Result {
	if chk := g.CheckUsage(); !chk.Allowed {
		err := errors.NewRateLimitError(chk.Reason, nil).WithModel(model)
		return Result{RateLimited: true, Err: err}
	}

	resp, err := op(ctx)
	if err != nil {
		if ratelimit.Is429Error(err) {
			g.tracker.RecordRateLimitHit(model, err.Error(), retryAfterHeaders(err))
			return Result{Executed: true, RateLimited: true, Err: err}
		}
		return Result{Executed: true, Err: err}
	}

	if extract != nil {
		if u, ok := extract(resp); ok {
			g.tracker.RecordUsage(model, int(u.InputTokens), int(u.OutputTokens))
		}
	}

	return Result{Resp: resp, Executed: true}
}

// retryAfterHeaders recovers the provider's requested wait from a typed
// rate-limit error so the tracker honours it instead of the default
// backoff.
func retryAfterHeaders(err error) map[string]string {
	var rle *errors.RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		secs := strconv.FormatFloat(rle.RetryAfter.Seconds(), 'f', -1, 64)
		return map[string]string{"retry-after": secs}
	}
	return nil
}

// EstimateTokens approximates the token count of text for prompt-size
// logging and budget checks. When the BPE tables are unavailable it
// falls back to a 4-chars-per-token heuristic.
func (g *Guard) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	g.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tokenEncoding)
		if err != nil {
			g.logger.Warn("token encoding unavailable, using char heuristic", "error", err.Error())
			return
		}
		g.enc = enc
	})

	if g.enc == nil {
		return len(text) / 4
	}
	return len(g.enc.Encode(text, nil, nil))
}
