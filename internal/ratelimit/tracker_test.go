package ratelimit

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/undercity-dev/undercity/internal/config"
	"github.com/undercity-dev/undercity/internal/errors"
)

func testModels() config.ModelsConfig {
	return config.Default().Models
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	cfg := config.Default().RateLimits
	return NewTracker(cfg, testModels(), filepath.Join(t.TempDir(), "rate-limit-state.json"), nil)
}

func TestIs429Error(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want bool
	}{
		{"status string", "got 429 from api", true},
		{"rate limit phrase", "Rate Limit exceeded", true},
		{"quota phrase", "QUOTA EXCEEDED for org", true},
		{"too many requests", "Too Many Requests", true},
		{"plain error", fmt.Errorf("rate limit hit"), true},
		{"typed error", errors.NewRateLimitError("provider refused", nil), true},
		{"unrelated error", fmt.Errorf("connection refused"), false},
		{"unrelated string", "all good", false},
		{"int 429", 429, true},
		{"int64 429", int64(429), true},
		{"float 429", float64(429), true},
		{"other int", 500, false},
		{"nil", nil, false},
		{"struct", struct{ Code int }{429}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is429Error(tt.in); got != tt.want {
				t.Errorf("Is429Error(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestExtractRetryAfter(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    *int64
	}{
		{"sixty seconds", map[string]string{"retry-after": "60"}, ptr(int64(60000))},
		{"zero is valid", map[string]string{"retry-after": "0"}, ptr(int64(0))},
		{"fractional", map[string]string{"retry-after": "1.5"}, ptr(int64(1500))},
		{"case insensitive", map[string]string{"Retry-After": "2"}, ptr(int64(2000))},
		{"non-numeric", map[string]string{"retry-after": "invalid"}, nil},
		{"empty value", map[string]string{"retry-after": ""}, nil},
		{"negative", map[string]string{"retry-after": "-5"}, nil},
		{"missing header", map[string]string{"content-type": "json"}, nil},
		{"nil headers", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractRetryAfter(tt.headers)
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("ExtractRetryAfter() = %v, want %v", got, tt.want)
			}
			if got != nil && *got != *tt.want {
				t.Errorf("ExtractRetryAfter() = %d, want %d", *got, *tt.want)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestProcessRateLimitHeaders(t *testing.T) {
	h := ProcessRateLimitHeaders(map[string]string{
		"Retry-After":           "30",
		"X-RateLimit-Limit":     "1000",
		"x-ratelimit-remaining": "12",
		"X-RATELIMIT-RESET":     "1717000000",
		"x-ratelimit-window":    "5h",
	})

	if h.RetryAfterMs == nil || *h.RetryAfterMs != 30000 {
		t.Errorf("RetryAfterMs = %v, want 30000", h.RetryAfterMs)
	}
	if h.Limit != "1000" || h.Remaining != "12" || h.Reset != "1717000000" || h.Window != "5h" {
		t.Errorf("headers = %+v, want all x-ratelimit fields parsed", h)
	}
}

func TestRecordUsage_SonnetEquivalentWeights(t *testing.T) {
	tr := newTestTracker(t)
	models := testModels()

	tr.RecordUsage(models.Top, 100, 100) // 200 * 5.0 = 1000
	tr.RecordUsage(models.Mid, 100, 100) // 200 * 1.0 = 200
	tr.RecordUsage(models.Low, 200, 200) // 400 * 0.25 = 100

	got := tr.UsageInWindow(WindowFiveHour)
	if got != 1300 {
		t.Errorf("UsageInWindow(5h) = %v, want 1300", got)
	}

	totals := tr.TotalUsage()
	if totals.Calls != 3 {
		t.Errorf("Calls = %d, want 3", totals.Calls)
	}
	if totals.InputTokens != 400 || totals.OutputTokens != 400 {
		t.Errorf("token totals = %d/%d, want 400/400", totals.InputTokens, totals.OutputTokens)
	}
}

func TestWeightFor_FamilyFallback(t *testing.T) {
	tr := newTestTracker(t)

	tests := []struct {
		model string
		want  float64
	}{
		{"claude-opus-9-0-20990101", WeightTop},
		{"claude-haiku-9-0-20990101", WeightLow},
		{"claude-sonnet-9-0-20990101", WeightMid},
		{"some-unknown-model", WeightMid},
	}
	for _, tt := range tests {
		if got := tr.weightFor(tt.model); got != tt.want {
			t.Errorf("weightFor(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestWindows_RollOff(t *testing.T) {
	tr := newTestTracker(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	models := testModels()

	tr.now = func() time.Time { return base }
	tr.RecordUsage(models.Mid, 500, 500) // 1000 equivalent

	// Six hours later the entry has left the 5h window but not the weekly.
	tr.now = func() time.Time { return base.Add(6 * time.Hour) }
	if got := tr.UsageInWindow(WindowFiveHour); got != 0 {
		t.Errorf("5h usage after 6h = %v, want 0", got)
	}
	if got := tr.UsageInWindow(WindowWeekly); got != 1000 {
		t.Errorf("weekly usage after 6h = %v, want 1000", got)
	}

	// Past seven days the entry is pruned entirely on the next write.
	tr.now = func() time.Time { return base.Add(8 * 24 * time.Hour) }
	tr.RecordUsage(models.Mid, 10, 10)
	if got := tr.UsageInWindow(WindowWeekly); got != 20 {
		t.Errorf("weekly usage after prune = %v, want 20", got)
	}
}

func TestGetUsagePercentage(t *testing.T) {
	cfg := config.Default().RateLimits
	cfg.FiveHourBudget = 1000
	cfg.WeeklyBudget = 10000
	tr := NewTracker(cfg, testModels(), "", nil)

	tr.RecordUsage(testModels().Mid, 400, 100) // 500 equivalent

	if got := tr.GetUsagePercentage(WindowFiveHour); got != 0.5 {
		t.Errorf("GetUsagePercentage(5h) = %v, want 0.5", got)
	}
	if got := tr.GetUsagePercentage(WindowWeekly); got != 0.05 {
		t.Errorf("GetUsagePercentage(7d) = %v, want 0.05", got)
	}

	// Zero budget reports zero rather than dividing.
	zero := NewTracker(config.RateLimitsConfig{}, testModels(), "", nil)
	zero.RecordUsage(testModels().Mid, 100, 100)
	if got := zero.GetUsagePercentage(WindowFiveHour); got != 0 {
		t.Errorf("zero budget usage = %v, want 0", got)
	}
}

func TestRecordRateLimitHit_PausesWithRetryAfter(t *testing.T) {
	tr := newTestTracker(t)

	tr.RecordRateLimitHit("sonnet", "429 Too Many Requests", map[string]string{"retry-after": "60"})

	if !tr.IsPaused() {
		t.Error("IsPaused() = false, want true")
	}
	if !tr.IsModelPaused("sonnet") {
		t.Error("IsModelPaused(sonnet) = false, want true")
	}
	if tr.IsModelPaused("haiku") {
		t.Error("IsModelPaused(haiku) = true, want false")
	}

	remaining := tr.GetRemainingPauseTime()
	if remaining < 59*time.Second || remaining > 60*time.Second {
		t.Errorf("GetRemainingPauseTime() = %v, want within [59s, 60s]", remaining)
	}

	format := regexp.MustCompile(`^\d+:\d{2}$`)
	if got := tr.FormatRemainingTime(); !format.MatchString(got) {
		t.Errorf("FormatRemainingTime() = %q, want m:ss shape", got)
	}

	hits := tr.Hits()
	if len(hits) != 1 || hits[0].Model != "sonnet" || hits[0].RetryAfter != 60000 {
		t.Errorf("hits = %+v, want one sonnet hit with 60000ms", hits)
	}
}

func TestPauseForRateLimit_DefaultBackoff(t *testing.T) {
	tr := newTestTracker(t)

	tr.PauseForRateLimit("sonnet", "quota exceeded", nil)

	remaining := tr.GetRemainingPauseTime()
	if remaining <= 0 || remaining > defaultBackoff {
		t.Errorf("GetRemainingPauseTime() = %v, want within (0, %v]", remaining, defaultBackoff)
	}
}

func TestResumeModel_ClearsGlobalWhenLast(t *testing.T) {
	tr := newTestTracker(t)

	tr.PauseForRateLimit("sonnet", "429", nil)
	tr.PauseForRateLimit("opus", "429", nil)

	tr.ResumeModel("sonnet")
	if !tr.IsPaused() {
		t.Error("IsPaused() = false while opus still paused")
	}
	if tr.IsModelPaused("sonnet") {
		t.Error("sonnet still paused after ResumeModel")
	}

	tr.ResumeModel("opus")
	if tr.IsPaused() {
		t.Error("IsPaused() = true after last model resumed")
	}
}

func TestResumeFromRateLimit(t *testing.T) {
	tr := newTestTracker(t)

	tr.PauseForRateLimit("sonnet", "429", nil)
	tr.ResumeFromRateLimit()

	if tr.IsPaused() || tr.IsModelPaused("sonnet") {
		t.Error("pauses survive ResumeFromRateLimit()")
	}
	if got := tr.GetRemainingPauseTime(); got != 0 {
		t.Errorf("GetRemainingPauseTime() = %v, want 0", got)
	}
}

func TestCheckAutoResume(t *testing.T) {
	cfg := config.Default().RateLimits
	cfg.FiveHourBudget = 1000
	cfg.WeeklyBudget = 10000
	tr := NewTracker(cfg, testModels(), "", nil)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	t.Run("no pause", func(t *testing.T) {
		if tr.CheckAutoResume() {
			t.Error("CheckAutoResume() = true with nothing paused")
		}
	})

	tr.PauseForRateLimit("sonnet", "429", map[string]string{"retry-after": "60"})

	t.Run("before resumeAt", func(t *testing.T) {
		if tr.CheckAutoResume() {
			t.Error("CheckAutoResume() = true before ResumeAt")
		}
		if !tr.IsPaused() {
			t.Error("pause cleared early")
		}
	})

	t.Run("after resumeAt with low usage", func(t *testing.T) {
		tr.now = func() time.Time { return base.Add(2 * time.Minute) }
		if !tr.CheckAutoResume() {
			t.Error("CheckAutoResume() = false after ResumeAt with low usage")
		}
		if tr.IsPaused() || tr.IsModelPaused("sonnet") {
			t.Error("pauses not cleared by auto-resume")
		}
	})

	t.Run("high usage keeps pause past resumeAt", func(t *testing.T) {
		// 0.9 of the 5h budget: above pauseThreshold-0.1 = 0.85.
		tr.now = func() time.Time { return base }
		tr.RecordUsage(testModels().Mid, 450, 450)
		tr.PauseForRateLimit("sonnet", "429", map[string]string{"retry-after": "1"})

		tr.now = func() time.Time { return base.Add(time.Minute) }
		if tr.CheckAutoResume() {
			t.Error("CheckAutoResume() = true while usage above resume threshold")
		}
		if !tr.IsPaused() {
			t.Error("high-usage pause cleared")
		}
	})
}

func TestContinuousMonitoring(t *testing.T) {
	cfg := config.Default().RateLimits
	cfg.FiveHourBudget = 1000
	cfg.WeeklyBudget = 10000
	tr := NewTracker(cfg, testModels(), "", nil)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	tr.RecordUsage(testModels().Mid, 100, 100) // 200 equivalent = 0.2 of 5h budget

	status := tr.ContinuousMonitoring()
	if status.ShouldResume {
		t.Error("ShouldResume = true with no pause")
	}
	if status.CurrentUsage.FiveHour != 0.2 {
		t.Errorf("CurrentUsage.FiveHour = %v, want 0.2", status.CurrentUsage.FiveHour)
	}
	if status.TimeUntilResume != 0 {
		t.Errorf("TimeUntilResume = %v, want 0", status.TimeUntilResume)
	}

	tr.PauseForRateLimit("sonnet", "429", map[string]string{"retry-after": "60"})

	status = tr.ContinuousMonitoring()
	if status.ShouldResume {
		t.Error("ShouldResume = true before ResumeAt")
	}
	if status.TimeUntilResume != 60*time.Second {
		t.Errorf("TimeUntilResume = %v, want 60s", status.TimeUntilResume)
	}

	tr.now = func() time.Time { return base.Add(2 * time.Minute) }
	status = tr.ContinuousMonitoring()
	if !status.ShouldResume {
		t.Error("ShouldResume = false after ResumeAt with low usage")
	}
	// Monitoring must not clear the pause itself.
	if !tr.IsPaused() {
		t.Error("ContinuousMonitoring mutated pause state")
	}
}

func TestFormatRemainingTime_Shapes(t *testing.T) {
	tr := newTestTracker(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		retryAfter string
		want       string
	}{
		{"one minute", "60", "1:00"},
		{"ninety seconds", "90", "1:30"},
		{"under a minute", "59", "0:59"},
		{"over an hour", "3900", "65:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr.now = func() time.Time { return base }
			tr.ResumeFromRateLimit()
			tr.PauseForRateLimit("sonnet", "429", map[string]string{"retry-after": tt.retryAfter})
			if got := tr.FormatRemainingTime(); got != tt.want {
				t.Errorf("FormatRemainingTime() = %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("not paused", func(t *testing.T) {
		tr.ResumeFromRateLimit()
		if got := tr.FormatRemainingTime(); got != "0:00" {
			t.Errorf("FormatRemainingTime() = %q, want 0:00", got)
		}
	})
}

func TestStatePersistence_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rate-limit-state.json")
	cfg := config.Default().RateLimits

	tr := NewTracker(cfg, testModels(), path, nil)
	tr.RecordUsage(testModels().Mid, 100, 50)
	tr.PauseForRateLimit("sonnet", "429", map[string]string{"retry-after": "3600"})

	// A fresh tracker on the same path resumes with the old state.
	tr2 := NewTracker(cfg, testModels(), path, nil)
	if !tr2.IsPaused() || !tr2.IsModelPaused("sonnet") {
		t.Error("pause state lost across restart")
	}
	if got := tr2.TotalUsage().Calls; got != 1 {
		t.Errorf("Calls after reload = %d, want 1", got)
	}
	if got := tr2.UsageInWindow(WindowFiveHour); got != 150 {
		t.Errorf("usage after reload = %v, want 150", got)
	}
}

func TestNewTracker_CorruptStateTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rate-limit-state.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("write corrupt state: %v", err)
	}

	tr := NewTracker(config.Default().RateLimits, testModels(), path, nil)
	if tr.IsPaused() {
		t.Error("corrupt state produced a pause")
	}
	if got := tr.TotalUsage().Calls; got != 0 {
		t.Errorf("Calls from corrupt state = %d, want 0", got)
	}
}
