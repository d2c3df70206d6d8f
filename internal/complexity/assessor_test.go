package complexity

import (
	"reflect"
	"testing"

	"github.com/undercity-dev/undercity/internal/config"
)

func TestAssessLocalTool(t *testing.T) {
	tests := []struct {
		objective string
		command   string
	}{
		{"run format", "pnpm format"},
		{"format", "pnpm format"},
		{"lint", "pnpm lint"},
		{"typecheck", "pnpm typecheck"},
		{"run tests", "pnpm test"},
		{"build", "pnpm build"},
	}
	for _, tt := range tests {
		got := Assess(tt.objective, Metrics{})
		if got.Level != LevelTrivial {
			t.Errorf("Assess(%q).Level = %q, want trivial", tt.objective, got.Level)
		}
		if got.LocalTool == nil || got.LocalTool.Command != tt.command {
			t.Errorf("Assess(%q).LocalTool = %+v, want command %q", tt.objective, got.LocalTool, tt.command)
		}
	}

	// A sentence containing a tool word is not a bare tool invocation.
	if got := Assess("add a format option to the exporter", Metrics{}); got.LocalTool != nil {
		t.Errorf("expected no local tool for a feature objective, got %+v", got.LocalTool)
	}
}

func TestAssessCritical(t *testing.T) {
	got := Assess("fix security vulnerability", Metrics{})
	if got.Level != LevelCritical {
		t.Fatalf("Level = %q, want critical", got.Level)
	}
	if got.Model != config.TierTop {
		t.Errorf("Model = %q, want top tier", got.Model)
	}
	if !got.NeedsReview {
		t.Error("expected NeedsReview for critical task")
	}
	if !got.Team.MultiAngleReview || got.Team.Validators != 5 {
		t.Errorf("Team = %+v, want 5 validators with multi-angle review", got.Team)
	}
}

func TestAssessLevels(t *testing.T) {
	tests := []struct {
		objective string
		level     string
	}{
		{"fix typo in the README", LevelTrivial},
		{"rename this variable in this file", LevelTrivial},
		{"add an endpoint for health checks", LevelStandard},
		{"refactor the cache layer and add eviction support", LevelComplex},
		{"migrate the auth flow throughout the codebase", LevelCritical},
		{"update payment webhook handling", LevelCritical},
	}
	for _, tt := range tests {
		if got := Assess(tt.objective, Metrics{}); got.Level != tt.level {
			t.Errorf("Assess(%q).Level = %q (score %d), want %q", tt.objective, got.Level, got.Score, tt.level)
		}
	}
}

func TestAssessDeterministic(t *testing.T) {
	a := Assess("refactor the parser across packages", Metrics{FileCount: 30})
	b := Assess("refactor the parser across packages", Metrics{FileCount: 30})
	if !reflect.DeepEqual(a, b) {
		t.Errorf("assessment not deterministic:\n%+v\n%+v", a, b)
	}
}

func TestConfidenceMonotonicInSignals(t *testing.T) {
	few := Assess("add a handler", Metrics{})
	many := Assess("add and refactor the concurrent auth migration", Metrics{})
	if len(many.Signals) <= len(few.Signals) {
		t.Fatalf("expected more signals: few=%v many=%v", few.Signals, many.Signals)
	}
	if many.Confidence < few.Confidence {
		t.Errorf("confidence fell with more signals: %v < %v", many.Confidence, few.Confidence)
	}
}

func TestMetricsRaiseScore(t *testing.T) {
	bare := Assess("improve the importer", Metrics{})
	loaded := Assess("improve the importer", Metrics{
		FileCount:      50,
		TotalLines:     10000,
		UnhealthyFiles: 2,
		GitHotspots:    3,
	})
	if loaded.Score <= bare.Score {
		t.Errorf("metrics did not raise score: bare=%d loaded=%d", bare.Score, loaded.Score)
	}
}

func TestScopeDetection(t *testing.T) {
	tests := []struct {
		objective string
		scope     string
	}{
		{"fix the null check in this file", ScopeSingleFile},
		{"update the two handlers", ScopeFewFiles},
		{"rename the logger throughout", ScopeCrossPackage},
	}
	for _, tt := range tests {
		if got := Assess(tt.objective, Metrics{}); got.EstimatedScope != tt.scope {
			t.Errorf("Assess(%q).EstimatedScope = %q, want %q", tt.objective, got.EstimatedScope, tt.scope)
		}
	}
}

func TestTestRelatedDetection(t *testing.T) {
	if got := Assess("fix the flaky integration test for login", Metrics{}); !got.TestRelated {
		t.Error("expected TestRelated for a test objective")
	}
	if got := Assess("add pagination to the list endpoint", Metrics{}); got.TestRelated {
		t.Error("did not expect TestRelated")
	}
}
