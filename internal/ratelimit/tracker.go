// Package ratelimit tracks LLM token usage against rolling budgets and
// manages pause state when the provider rejects requests. Usage is recorded
// per model in two windows (5 hours and 7 days) and normalized to
// "sonnet-equivalent" tokens so one budget number covers all tiers: a
// top-tier token counts 5x, a low-tier token 0.25x.
//
// The tracker is mutex-guarded and safe for concurrent workers. State
// persists to rate-limit-state.json through the atomic writer so a restart
// resumes with the same windows and pauses.
package ratelimit

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/undercity-dev/undercity/internal/config"
	"github.com/undercity-dev/undercity/internal/errors"
	"github.com/undercity-dev/undercity/internal/logging"
	"github.com/undercity-dev/undercity/internal/store"
)

// Window identifies one of the rolling usage windows.
type Window string

const (
	WindowFiveHour Window = "5h"
	WindowWeekly   Window = "7d"
)

// Duration returns the window's span.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowFiveHour:
		return 5 * time.Hour
	case WindowWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Sonnet-equivalent weights per tier.
const (
	WeightTop = 5.0
	WeightMid = 1.0
	WeightLow = 0.25
)

// Default pause when the provider gives no retry-after header.
const defaultBackoff = 60 * time.Second

// maxHits bounds the retained 429 hit log.
const maxHits = 100

// UsageEntry is one recorded LLM call.
type UsageEntry struct {
	Timestamp        time.Time `json:"timestamp"`
	InputTokens      int       `json:"inputTokens"`
	OutputTokens     int       `json:"outputTokens"`
	SonnetEquivalent float64   `json:"sonnetEquivalent"`
}

// Totals accumulates lifetime usage across all windows.
type Totals struct {
	Calls            int     `json:"calls"`
	InputTokens      int64   `json:"inputTokens"`
	OutputTokens     int64   `json:"outputTokens"`
	SonnetEquivalent float64 `json:"sonnetEquivalent"`
}

// Hit is one recorded 429 response.
type Hit struct {
	Timestamp  time.Time `json:"timestamp"`
	Model      string    `json:"model"`
	Message    string    `json:"message"`
	RetryAfter int64     `json:"retryAfterMs,omitempty"`
}

// PauseRecord captures why and until when calls are blocked.
type PauseRecord struct {
	Reason   string    `json:"reason"`
	PausedAt time.Time `json:"pausedAt"`
	ResumeAt time.Time `json:"resumeAt"`
}

// MonitorStatus is the snapshot returned by ContinuousMonitoring.
type MonitorStatus struct {
	ShouldResume    bool          `json:"shouldResume"`
	CurrentUsage    UsageSnapshot `json:"currentUsage"`
	TimeUntilResume time.Duration `json:"timeUntilResume"`
}

// UsageSnapshot holds the usage fraction per window, 0..1 of budget.
type UsageSnapshot struct {
	FiveHour float64 `json:"fiveHour"`
	Weekly   float64 `json:"weekly"`
}

// State is the persisted shape of the tracker.
type State struct {
	Usage       map[string][]UsageEntry `json:"usage"`
	Totals      Totals                  `json:"totals"`
	Hits        []Hit                   `json:"hits,omitempty"`
	GlobalPause *PauseRecord            `json:"globalPause,omitempty"`
	ModelPauses map[string]*PauseRecord `json:"modelPauses,omitempty"`
}

// Tracker records usage and pause state for every model.
type Tracker struct {
	mu sync.Mutex

	cfg    config.RateLimitsConfig
	models config.ModelsConfig
	logger *logging.Logger

	usage       map[string][]UsageEntry
	totals      Totals
	hits        []Hit
	globalPause *PauseRecord
	modelPauses map[string]*PauseRecord

	statePath string
	now       func() time.Time
}

// NewTracker creates a tracker persisting to statePath. Existing state is
// reloaded; a corrupt state file is treated as empty with a warning.
func NewTracker(cfg config.RateLimitsConfig, models config.ModelsConfig, statePath string, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.NopLogger()
	}

	t := &Tracker{
		cfg:         cfg,
		models:      models,
		logger:      logger,
		usage:       make(map[string][]UsageEntry),
		modelPauses: make(map[string]*PauseRecord),
		statePath:   statePath,
		now:         time.Now,
	}

	if statePath != "" {
		var st State
		err := store.LoadJSON(statePath, &st)
		switch {
		case err == nil:
			if st.Usage != nil {
				t.usage = st.Usage
			}
			t.totals = st.Totals
			t.hits = st.Hits
			t.globalPause = st.GlobalPause
			if st.ModelPauses != nil {
				t.modelPauses = st.ModelPauses
			}
		case os.IsNotExist(err):
			// First run.
		default:
			logger.Warn("corrupt rate-limit state treated as empty", "path", statePath, "error", err.Error())
		}
	}

	return t
}

// -----------------------------------------------------------------------------
// Recording
// -----------------------------------------------------------------------------

// RecordUsage appends one call's token counts to the model's rolling
// buffer and updates lifetime totals.
func (t *Tracker) RecordUsage(model string, inputTokens, outputTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	equivalent := float64(inputTokens+outputTokens) * t.weightFor(model)

	t.usage[model] = append(t.usage[model], UsageEntry{
		Timestamp:        now,
		InputTokens:      inputTokens,
		OutputTokens:     outputTokens,
		SonnetEquivalent: equivalent,
	})
	t.pruneLocked(model, now)

	t.totals.Calls++
	t.totals.InputTokens += int64(inputTokens)
	t.totals.OutputTokens += int64(outputTokens)
	t.totals.SonnetEquivalent += equivalent

	t.persistLocked()
}

// RecordRateLimitHit logs a 429 and pauses the model (and globally) using
// the retry-after header when present.
func (t *Tracker) RecordRateLimitHit(model, message string, headers map[string]string) {
	t.mu.Lock()

	retryAfter := ExtractRetryAfter(headers)
	hit := Hit{Timestamp: t.now(), Model: model, Message: message}
	if retryAfter != nil {
		hit.RetryAfter = *retryAfter
	}
	t.hits = append(t.hits, hit)
	if len(t.hits) > maxHits {
		t.hits = t.hits[len(t.hits)-maxHits:]
	}
	t.mu.Unlock()

	t.PauseForRateLimit(model, message, headers)
}

// weightFor maps a model id to its sonnet-equivalent multiplier. Exact
// config matches win; otherwise the id's family name decides.
func (t *Tracker) weightFor(model string) float64 {
	switch model {
	case t.models.Top:
		return WeightTop
	case t.models.Mid:
		return WeightMid
	case t.models.Low:
		return WeightLow
	}
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "opus"):
		return WeightTop
	case strings.Contains(lower, "haiku"):
		return WeightLow
	default:
		return WeightMid
	}
}

// pruneLocked drops entries older than the longest window.
func (t *Tracker) pruneLocked(model string, now time.Time) {
	cutoff := now.Add(-WindowWeekly.Duration())
	entries := t.usage[model]
	kept := entries[:0]
	for _, e := range entries {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	t.usage[model] = kept
}

// -----------------------------------------------------------------------------
// 429 detection
// -----------------------------------------------------------------------------

// Is429Error reports whether an arbitrary value represents a rate-limit
// rejection: errors and strings are matched by message, numbers by the
// literal status code. Nil and unrecognized types are never rate limits.
func Is429Error(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case error:
		return errors.IsRateLimited(val)
	case string:
		return errors.ContainsRateLimitMarker(val)
	case int:
		return val == 429
	case int64:
		return val == 429
	case float64:
		return val == 429
	default:
		return false
	}
}

// ExtractRetryAfter parses the retry-after header (seconds) into
// milliseconds. Zero is valid; a missing or non-numeric value returns nil.
func ExtractRetryAfter(headers map[string]string) *int64 {
	raw, ok := headerValue(headers, "retry-after")
	if !ok {
		return nil
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || seconds < 0 {
		return nil
	}
	ms := int64(seconds * 1000)
	return &ms
}

// Headers is the parsed set of provider rate-limit headers.
type Headers struct {
	RetryAfterMs *int64
	Limit        string
	Remaining    string
	Reset        string
	Window       string
}

// ProcessRateLimitHeaders extracts retry-after plus the x-ratelimit-*
// family, all case-insensitive.
func ProcessRateLimitHeaders(headers map[string]string) Headers {
	h := Headers{RetryAfterMs: ExtractRetryAfter(headers)}
	if v, ok := headerValue(headers, "x-ratelimit-limit"); ok {
		h.Limit = v
	}
	if v, ok := headerValue(headers, "x-ratelimit-remaining"); ok {
		h.Remaining = v
	}
	if v, ok := headerValue(headers, "x-ratelimit-reset"); ok {
		h.Reset = v
	}
	if v, ok := headerValue(headers, "x-ratelimit-window"); ok {
		h.Window = v
	}
	return h
}

func headerValue(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// -----------------------------------------------------------------------------
// Pause state
// -----------------------------------------------------------------------------

// PauseForRateLimit sets a per-model pause and the global pause. ResumeAt
// comes from the retry-after header when present, otherwise a default
// backoff.
func (t *Tracker) PauseForRateLimit(model, reason string, headers map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	backoff := defaultBackoff
	if ms := ExtractRetryAfter(headers); ms != nil {
		backoff = time.Duration(*ms) * time.Millisecond
	}

	now := t.now()
	record := &PauseRecord{Reason: reason, PausedAt: now, ResumeAt: now.Add(backoff)}
	t.modelPauses[model] = record
	t.globalPause = record

	t.logger.Warn("rate limit pause",
		"model", model,
		"reason", reason,
		"resume_at", record.ResumeAt.Format(time.RFC3339))

	t.persistLocked()
}

// Pause sets a global pause without a model attribution, used by the usage
// guard when a budget threshold trips.
func (t *Tracker) Pause(reason string, resumeAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.globalPause = &PauseRecord{Reason: reason, PausedAt: t.now(), ResumeAt: resumeAt}
	t.persistLocked()
}

// IsPaused reports whether a global pause is in effect.
func (t *Tracker) IsPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalPause != nil
}

// IsModelPaused reports whether one model is paused.
func (t *Tracker) IsModelPaused(model string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modelPauses[model] != nil
}

// ResumeFromRateLimit clears the global pause and every model pause.
func (t *Tracker) ResumeFromRateLimit() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.globalPause = nil
	t.modelPauses = make(map[string]*PauseRecord)
	t.persistLocked()
}

// ResumeModel clears one model's pause. When no model pauses remain the
// global pause clears with it.
func (t *Tracker) ResumeModel(model string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.modelPauses, model)
	if len(t.modelPauses) == 0 {
		t.globalPause = nil
	}
	t.persistLocked()
}

// CheckAutoResume resumes and reports true once every pause has reached
// its ResumeAt and usage has dropped below pauseThreshold − 0.1 in all
// windows. High usage keeps the pause in force past ResumeAt.
func (t *Tracker) CheckAutoResume() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.globalPause == nil && len(t.modelPauses) == 0 {
		return false
	}

	now := t.now()
	if t.globalPause != nil && now.Before(t.globalPause.ResumeAt) {
		return false
	}
	for _, p := range t.modelPauses {
		if now.Before(p.ResumeAt) {
			return false
		}
	}

	resumeBelow := t.cfg.PauseThreshold - 0.1
	if t.usageFractionLocked(WindowFiveHour, now) >= resumeBelow ||
		t.usageFractionLocked(WindowWeekly, now) >= resumeBelow {
		return false
	}

	t.globalPause = nil
	t.modelPauses = make(map[string]*PauseRecord)
	t.persistLocked()
	return true
}

// ContinuousMonitoring returns the poller's view without mutating state.
func (t *Tracker) ContinuousMonitoring() MonitorStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	status := MonitorStatus{
		CurrentUsage: UsageSnapshot{
			FiveHour: t.usageFractionLocked(WindowFiveHour, now),
			Weekly:   t.usageFractionLocked(WindowWeekly, now),
		},
		TimeUntilResume: t.remainingPauseLocked(now),
	}

	if t.globalPause != nil || len(t.modelPauses) > 0 {
		resumeBelow := t.cfg.PauseThreshold - 0.1
		status.ShouldResume = status.TimeUntilResume == 0 &&
			status.CurrentUsage.FiveHour < resumeBelow &&
			status.CurrentUsage.Weekly < resumeBelow
	}

	return status
}

// GetRemainingPauseTime returns how long until the latest active pause
// expires, zero when nothing is paused.
func (t *Tracker) GetRemainingPauseTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingPauseLocked(t.now())
}

func (t *Tracker) remainingPauseLocked(now time.Time) time.Duration {
	var latest time.Time
	if t.globalPause != nil {
		latest = t.globalPause.ResumeAt
	}
	for _, p := range t.modelPauses {
		if p.ResumeAt.After(latest) {
			latest = p.ResumeAt
		}
	}
	if latest.IsZero() || !latest.After(now) {
		return 0
	}
	return latest.Sub(now)
}

// FormatRemainingTime renders the remaining pause as minutes:seconds,
// seconds zero-padded to two digits.
//
// Example: 1m 0s → "1:00", 59s → "0:59".
func (t *Tracker) FormatRemainingTime() string {
	remaining := t.GetRemainingPauseTime()
	totalSeconds := int(remaining.Round(time.Second).Seconds())
	if totalSeconds < 0 {
		totalSeconds = 0
	}
	return fmt.Sprintf("%d:%02d", totalSeconds/60, totalSeconds%60)
}

// -----------------------------------------------------------------------------
// Usage queries
// -----------------------------------------------------------------------------

// GetUsagePercentage returns the window's sonnet-equivalent usage as a
// fraction of the configured budget. A zero budget never reports usage.
func (t *Tracker) GetUsagePercentage(window Window) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usageFractionLocked(window, t.now())
}

// UsageInWindow returns raw sonnet-equivalent tokens consumed within the
// window across all models.
func (t *Tracker) UsageInWindow(window Window) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usageTokensLocked(window, t.now())
}

// TotalUsage returns the lifetime counters.
func (t *Tracker) TotalUsage() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals
}

// Hits returns a copy of the 429 hit log, newest last.
func (t *Tracker) Hits() []Hit {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Hit, len(t.hits))
	copy(out, t.hits)
	return out
}

// Snapshot returns the persisted view for status reporting.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) usageFractionLocked(window Window, now time.Time) float64 {
	budget := t.cfg.FiveHourBudget
	if window == WindowWeekly {
		budget = t.cfg.WeeklyBudget
	}
	if budget <= 0 {
		return 0
	}
	return t.usageTokensLocked(window, now) / float64(budget)
}

func (t *Tracker) usageTokensLocked(window Window, now time.Time) float64 {
	cutoff := now.Add(-window.Duration())
	var total float64
	for _, entries := range t.usage {
		for _, e := range entries {
			if e.Timestamp.After(cutoff) {
				total += e.SonnetEquivalent
			}
		}
	}
	return total
}

// -----------------------------------------------------------------------------
// Persistence
// -----------------------------------------------------------------------------

func (t *Tracker) snapshotLocked() State {
	return State{
		Usage:       t.usage,
		Totals:      t.totals,
		Hits:        t.hits,
		GlobalPause: t.globalPause,
		ModelPauses: t.modelPauses,
	}
}

func (t *Tracker) persistLocked() {
	if t.statePath == "" {
		return
	}
	if err := store.SaveJSON(t.statePath, t.snapshotLocked()); err != nil {
		t.logger.Warn("failed to persist rate-limit state", "error", err.Error())
	}
}
