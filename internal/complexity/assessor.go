// Package complexity scores task objectives into complexity levels that
// drive model routing, review intensity, and team composition. Assessment
// is a pure function of its inputs: the same objective and metrics always
// produce the same result.
package complexity

import (
	"regexp"
	"strings"

	"github.com/undercity-dev/undercity/internal/config"
)

// Complexity levels, ordered cheapest to most careful.
const (
	LevelTrivial  = "trivial"
	LevelSimple   = "simple"
	LevelStandard = "standard"
	LevelComplex  = "complex"
	LevelCritical = "critical"
)

// Levels returns all levels in ascending order.
func Levels() []string {
	return []string{LevelTrivial, LevelSimple, LevelStandard, LevelComplex, LevelCritical}
}

// Scope estimates how much of the repository a task touches.
const (
	ScopeSingleFile   = "single-file"
	ScopeFewFiles     = "few-files"
	ScopeCrossPackage = "cross-package"
)

// LocalTool is a shell command that satisfies the objective without any
// model involvement.
type LocalTool struct {
	Command string `json:"command"`
}

// Team describes the execution crew an assessment calls for.
type Team struct {
	NeedsPlanning    bool `json:"needsPlanning"`
	Validators       int  `json:"validators"`
	MultiAngleReview bool `json:"multiAngleReview"`
}

// Metrics are optional quantitative signals from a repository scan. A
// zero value contributes nothing.
type Metrics struct {
	FileCount      int `json:"fileCount,omitempty"`
	TotalLines     int `json:"totalLines,omitempty"`
	FunctionCount  int `json:"functionCount,omitempty"`
	UnhealthyFiles int `json:"unhealthyFiles,omitempty"`
	GitHotspots    int `json:"gitHotspots,omitempty"`
	BugProneFiles  int `json:"bugProneFiles,omitempty"`
}

// Assessment is the assessor's verdict on one objective.
type Assessment struct {
	Level          string     `json:"level"`
	Confidence     float64    `json:"confidence"`
	Model          string     `json:"model"`
	UseFullChain   bool       `json:"useFullChain"`
	NeedsReview    bool       `json:"needsReview"`
	EstimatedScope string     `json:"estimatedScope"`
	Signals        []string   `json:"signals,omitempty"`
	Score          int        `json:"score"`
	Team           Team       `json:"team"`
	LocalTool      *LocalTool `json:"localTool,omitempty"`
	TestRelated    bool       `json:"testRelated"`
}

// localTools maps bare tool objectives to the shell command that performs
// them. An objective that is nothing but one of these words (optionally
// prefixed with "run") needs no model at all.
var localTools = map[string]string{
	"format":    "pnpm format",
	"lint":      "pnpm lint",
	"typecheck": "pnpm typecheck",
	"test":      "pnpm test",
	"tests":     "pnpm test",
	"build":     "pnpm build",
	"spell":     "pnpm spell",
}

// signalGroup is a weighted keyword family.
type signalGroup struct {
	name    string
	weight  int
	pattern *regexp.Regexp
}

var signalGroups = []signalGroup{
	{"minor-change", -2, regexp.MustCompile(`(?i)\b(typo|small|tiny|cleanup|comment|whitespace|rename)\b`)},
	{"single-function", -1, regexp.MustCompile(`(?i)\b(one|single) (function|method|line)\b`)},
	{"feature", 1, regexp.MustCompile(`(?i)\b(add|implement|create|support)\b`)},
	{"refactor", 2, regexp.MustCompile(`(?i)\brefactor(ing)?\b`)},
	{"migration", 3, regexp.MustCompile(`(?i)\b(migrate|migration|redesign|rewrite|overhaul)\b`)},
	{"cross-package", 3, regexp.MustCompile(`(?i)\b(cross-package|multiple packages|across packages|throughout)\b`)},
	{"concurrency", 2, regexp.MustCompile(`(?i)\b(race|deadlock|concurren\w*|parallel\w*)\b`)},
	{"security", 5, regexp.MustCompile(`(?i)\b(security|vulnerab\w*|exploit|injection|xss|csrf)\b`)},
	{"auth", 4, regexp.MustCompile(`(?i)\b(auth|authn|authz|authenticat\w*|authoriz\w*)\b`)},
	{"payment", 5, regexp.MustCompile(`(?i)\b(payment|billing|invoice|charge)\b`)},
	{"production", 4, regexp.MustCompile(`(?i)\b(production|prod outage|incident|data loss)\b`)},
}

var testRelatedPattern = regexp.MustCompile(`(?i)\b(test|tests|testing|spec|coverage|flaky)\b`)

var (
	crossPackagePattern = regexp.MustCompile(`(?i)\b(throughout|across|everywhere|all packages|multiple packages|cross-package)\b`)
	singleFilePattern   = regexp.MustCompile(`(?i)\b(this file|one file|single file|in [\w./-]+\.\w+)\b`)
)

// criticalFloor is the score at or above which a task is critical; the
// security/payment/production groups alone reach it.
const criticalFloor = 4

// Assess scores an objective, optionally informed by repo metrics.
func Assess(objective string, metrics Metrics) Assessment {
	obj := strings.TrimSpace(objective)

	if cmd, ok := localToolFor(obj); ok {
		return Assessment{
			Level:          LevelTrivial,
			Confidence:     0.95,
			EstimatedScope: ScopeSingleFile,
			Signals:        []string{"local-tool"},
			LocalTool:      &LocalTool{Command: cmd},
			Team:           teamFor(LevelTrivial),
		}
	}

	score := 0
	var signals []string
	for _, g := range signalGroups {
		if g.pattern.MatchString(obj) {
			score += g.weight
			signals = append(signals, g.name)
		}
	}

	scope := detectScope(obj)
	switch scope {
	case ScopeCrossPackage:
		score += 2
	case ScopeSingleFile:
		score--
	}

	score += metricsScore(metrics)

	level := levelFor(score)

	// Confidence grows with how much evidence we matched, and never
	// decreases when more signals are added.
	confidence := 0.5 + 0.1*float64(len(signals))
	if confidence > 0.95 {
		confidence = 0.95
	}

	team := teamFor(level)
	return Assessment{
		Level:          level,
		Confidence:     confidence,
		Model:          modelFor(level),
		UseFullChain:   team.NeedsPlanning,
		NeedsReview:    level == LevelComplex || level == LevelCritical,
		EstimatedScope: scope,
		Signals:        signals,
		Score:          score,
		Team:           team,
		TestRelated:    testRelatedPattern.MatchString(obj),
	}
}

func localToolFor(objective string) (string, bool) {
	words := strings.Fields(strings.ToLower(objective))
	if len(words) == 0 || len(words) > 2 {
		return "", false
	}
	if len(words) == 2 {
		if words[0] != "run" {
			return "", false
		}
		words = words[1:]
	}
	cmd, ok := localTools[strings.Trim(words[0], ".!")]
	return cmd, ok
}

func detectScope(objective string) string {
	switch {
	case crossPackagePattern.MatchString(objective):
		return ScopeCrossPackage
	case singleFilePattern.MatchString(objective):
		return ScopeSingleFile
	default:
		return ScopeFewFiles
	}
}

func metricsScore(m Metrics) int {
	score := 0
	if m.FileCount > 20 {
		score++
	}
	if m.TotalLines > 5000 {
		score++
	}
	if m.FunctionCount > 200 {
		score++
	}
	if m.UnhealthyFiles > 0 {
		score++
	}
	if m.GitHotspots > 0 {
		score++
	}
	if m.BugProneFiles > 0 {
		score++
	}
	return score
}

func levelFor(score int) string {
	switch {
	case score >= criticalFloor:
		return LevelCritical
	case score >= 3:
		return LevelComplex
	case score >= 1:
		return LevelStandard
	case score >= -1:
		return LevelSimple
	default:
		return LevelTrivial
	}
}

func modelFor(level string) string {
	switch level {
	case LevelCritical:
		return config.TierTop
	case LevelStandard, LevelComplex:
		return config.TierMid
	default:
		return config.TierLow
	}
}

func teamFor(level string) Team {
	switch level {
	case LevelSimple:
		return Team{Validators: 1}
	case LevelStandard:
		return Team{NeedsPlanning: true, Validators: 2}
	case LevelComplex:
		return Team{NeedsPlanning: true, Validators: 3}
	case LevelCritical:
		return Team{NeedsPlanning: true, Validators: 5, MultiAngleReview: true}
	default:
		return Team{}
	}
}

// Rank returns the ordinal of a level, -1 for unknown levels.
func Rank(level string) int {
	for i, l := range Levels() {
		if l == level {
			return i
		}
	}
	return -1
}
