package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Model tiers, cheapest first. Escalation walks this ladder upward.
const (
	TierLow = "low"
	TierMid = "mid"
	TierTop = "top"
)

// RCFileName is the per-repo config file read from the repository root.
const RCFileName = ".undercityrc"

// Config represents the complete undercity configuration
type Config struct {
	Models     ModelsConfig     `mapstructure:"models"`
	Grind      GrindConfig      `mapstructure:"grind"`
	Review     ReviewConfig     `mapstructure:"review"`
	Verify     VerifyConfig     `mapstructure:"verify"`
	MergeQueue MergeQueueConfig `mapstructure:"merge_queue"`
	RateLimits RateLimitsConfig `mapstructure:"rate_limits"`
	Daemon     DaemonConfig     `mapstructure:"daemon"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Paths      PathsConfig      `mapstructure:"paths"`
}

// ModelsConfig maps model tiers to provider model identifiers
type ModelsConfig struct {
	// Low is the cheap tier model, used for trivial/simple tasks
	Low string `mapstructure:"low"`
	// Mid is the balanced tier model, the default starting point
	Mid string `mapstructure:"mid"`
	// Top is the most capable tier model, used for critical tasks and escalation
	Top string `mapstructure:"top"`
	// MaxTier caps escalation: "low", "mid", or "top" (default: "top")
	MaxTier string `mapstructure:"max_tier"`
}

// ForTier returns the configured model id for a tier.
// Unknown tiers fall back to the mid model.
func (m *ModelsConfig) ForTier(tier string) string {
	switch tier {
	case TierLow:
		return m.Low
	case TierMid:
		return m.Mid
	case TierTop:
		return m.Top
	default:
		return m.Mid
	}
}

// GrindConfig controls task execution behavior
type GrindConfig struct {
	// MaxAttempts is the global attempt budget per task before it is
	// recorded as a permanent failure (default: 6)
	MaxAttempts int `mapstructure:"max_attempts"`
	// MaxRetriesPerTier caps same-tier retries before escalating (default: 2)
	MaxRetriesPerTier int `mapstructure:"max_retries_per_tier"`
	// Parallel is the number of concurrent workers, 1-5 (default: 3)
	Parallel int `mapstructure:"parallel"`
	// Supervised pauses for confirmation at decision points (default: false)
	Supervised bool `mapstructure:"supervised"`
	// Commit controls whether completed work is committed (default: true)
	Commit bool `mapstructure:"commit"`
	// NoOpThreshold is how many consecutive no-change attempts mark a task
	// as stuck (default: 3)
	NoOpThreshold int `mapstructure:"no_op_threshold"`
}

// ReviewConfig controls the post-execution review passes
type ReviewConfig struct {
	// Enabled turns review passes on (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Intensity is "light", "standard", or "thorough" (default: "standard")
	Intensity string `mapstructure:"intensity"`
}

// VerifyConfig controls external verification commands
type VerifyConfig struct {
	// TypecheckCommand is the shell invocation for typechecking (default: "go vet ./...")
	TypecheckCommand string `mapstructure:"typecheck_command"`
	// TestCommand is the shell invocation for tests (default: "go test ./...")
	TestCommand string `mapstructure:"test_command"`
	// Typecheck controls whether typechecking runs at all (default: true)
	Typecheck bool `mapstructure:"typecheck"`
	// TimeoutSeconds bounds each verification command (default: 300)
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// Timeout returns the verification timeout as a time.Duration
func (v *VerifyConfig) Timeout() time.Duration {
	return time.Duration(v.TimeoutSeconds) * time.Second
}

// MergeQueueConfig controls the serial integration queue
type MergeQueueConfig struct {
	// Enabled turns the merge queue on; when false, work stays on branches
	// (default: true)
	Enabled bool `mapstructure:"enabled"`
	// MaxRetries is the retry budget per queue item (default: 3)
	MaxRetries int `mapstructure:"max_retries"`
	// BaseDelayMs seeds the exponential retry backoff (default: 1000)
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	// MaxDelayMs caps the retry backoff (default: 30000)
	MaxDelayMs int `mapstructure:"max_delay_ms"`
	// Strategy is the conflict resolution strategy: "default", "ours",
	// or "theirs" (default: "default")
	Strategy string `mapstructure:"strategy"`
}

// BaseDelay returns the backoff seed as a time.Duration
func (m *MergeQueueConfig) BaseDelay() time.Duration {
	return time.Duration(m.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap as a time.Duration
func (m *MergeQueueConfig) MaxDelay() time.Duration {
	return time.Duration(m.MaxDelayMs) * time.Millisecond
}

// RateLimitsConfig controls usage tracking thresholds and budgets.
// Budgets are sonnet-equivalent tokens per rolling window.
type RateLimitsConfig struct {
	// PauseThreshold is the usage fraction that triggers an auto-pause
	// (default: 0.95)
	PauseThreshold float64 `mapstructure:"pause_threshold"`
	// WarningThreshold is the usage fraction that fires warnings
	// (default: 0.80)
	WarningThreshold float64 `mapstructure:"warning_threshold"`
	// AutoPause enables pausing when PauseThreshold is crossed (default: true)
	AutoPause bool `mapstructure:"auto_pause"`
	// FiveHourBudget is the 5-hour rolling window budget (default: 25M)
	FiveHourBudget int64 `mapstructure:"five_hour_budget"`
	// WeeklyBudget is the 7-day rolling window budget (default: 200M)
	WeeklyBudget int64 `mapstructure:"weekly_budget"`
}

// DaemonConfig controls the HTTP control daemon
type DaemonConfig struct {
	// Port is the listen port (default: 7331)
	Port int `mapstructure:"port"`
	// GrindOnStart starts draining the board as soon as the daemon is up
	// (default: false)
	GrindOnStart bool `mapstructure:"grind_on_start"`
}

// AgentConfig controls the external coding-agent subprocess
type AgentConfig struct {
	// Binary is the agent executable looked up on PATH (default: "claude")
	Binary string `mapstructure:"binary"`
	// TimeoutMinutes is the soft per-attempt timeout; exceeding it aborts
	// the attempt as a timeout failure (default: 20)
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
}

// Timeout returns the per-attempt timeout as a time.Duration
func (a *AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutMinutes) * time.Minute
}

// LoggingConfig controls raid logging behavior
type LoggingConfig struct {
	// Enabled controls whether raid logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxRaidLogs is the number of archived raid logs to keep (default: 20)
	MaxRaidLogs int `mapstructure:"max_raid_logs"`
	// Compress gzips archived raid logs (default: false)
	Compress bool `mapstructure:"compress"`
}

// PathsConfig controls where undercity stores state
type PathsConfig struct {
	// StateDir is the state directory. If empty, defaults to ".undercity"
	// relative to the repository root. Supports ~ for home expansion and
	// absolute paths for keeping state outside the repository.
	StateDir string `mapstructure:"state_dir"`
}

// ResolveStateDir returns the resolved state directory path.
// If StateDir is empty, it returns ".undercity" under repoRoot.
// If StateDir starts with ~, it expands to the user's home directory.
// If StateDir is a relative path, it's resolved relative to repoRoot.
func (p *PathsConfig) ResolveStateDir(repoRoot string) string {
	if p.StateDir == "" {
		return filepath.Join(repoRoot, ".undercity")
	}

	path := p.StateDir

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(repoRoot, path)
	}

	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Models: ModelsConfig{
			Low:     "claude-haiku-4-5-20251001",
			Mid:     "claude-sonnet-4-5-20250929",
			Top:     "claude-opus-4-5-20251101",
			MaxTier: TierTop,
		},
		Grind: GrindConfig{
			MaxAttempts:       6,
			MaxRetriesPerTier: 2,
			Parallel:          3,
			Supervised:        false,
			Commit:            true,
			NoOpThreshold:     3,
		},
		Review: ReviewConfig{
			Enabled:   true,
			Intensity: "standard",
		},
		Verify: VerifyConfig{
			TypecheckCommand: "go vet ./...",
			TestCommand:      "go test ./...",
			Typecheck:        true,
			TimeoutSeconds:   300,
		},
		MergeQueue: MergeQueueConfig{
			Enabled:     true,
			MaxRetries:  3,
			BaseDelayMs: 1000,
			MaxDelayMs:  30000,
			Strategy:    "default",
		},
		RateLimits: RateLimitsConfig{
			PauseThreshold:   0.95,
			WarningThreshold: 0.80,
			AutoPause:        true,
			FiveHourBudget:   25_000_000,
			WeeklyBudget:     200_000_000,
		},
		Daemon: DaemonConfig{
			Port:         7331,
			GrindOnStart: false,
		},
		Agent: AgentConfig{
			Binary:         "claude",
			TimeoutMinutes: 20,
		},
		Logging: LoggingConfig{
			Enabled:     true,
			Level:       "info",
			MaxRaidLogs: 20,
			Compress:    false,
		},
		Paths: PathsConfig{
			StateDir: "", // Empty means use default: .undercity
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Model defaults
	viper.SetDefault("models.low", defaults.Models.Low)
	viper.SetDefault("models.mid", defaults.Models.Mid)
	viper.SetDefault("models.top", defaults.Models.Top)
	viper.SetDefault("models.max_tier", defaults.Models.MaxTier)

	// Grind defaults
	viper.SetDefault("grind.max_attempts", defaults.Grind.MaxAttempts)
	viper.SetDefault("grind.max_retries_per_tier", defaults.Grind.MaxRetriesPerTier)
	viper.SetDefault("grind.parallel", defaults.Grind.Parallel)
	viper.SetDefault("grind.supervised", defaults.Grind.Supervised)
	viper.SetDefault("grind.commit", defaults.Grind.Commit)
	viper.SetDefault("grind.no_op_threshold", defaults.Grind.NoOpThreshold)

	// Review defaults
	viper.SetDefault("review.enabled", defaults.Review.Enabled)
	viper.SetDefault("review.intensity", defaults.Review.Intensity)

	// Verify defaults
	viper.SetDefault("verify.typecheck_command", defaults.Verify.TypecheckCommand)
	viper.SetDefault("verify.test_command", defaults.Verify.TestCommand)
	viper.SetDefault("verify.typecheck", defaults.Verify.Typecheck)
	viper.SetDefault("verify.timeout_seconds", defaults.Verify.TimeoutSeconds)

	// Merge queue defaults
	viper.SetDefault("merge_queue.enabled", defaults.MergeQueue.Enabled)
	viper.SetDefault("merge_queue.max_retries", defaults.MergeQueue.MaxRetries)
	viper.SetDefault("merge_queue.base_delay_ms", defaults.MergeQueue.BaseDelayMs)
	viper.SetDefault("merge_queue.max_delay_ms", defaults.MergeQueue.MaxDelayMs)
	viper.SetDefault("merge_queue.strategy", defaults.MergeQueue.Strategy)

	// Rate limit defaults
	viper.SetDefault("rate_limits.pause_threshold", defaults.RateLimits.PauseThreshold)
	viper.SetDefault("rate_limits.warning_threshold", defaults.RateLimits.WarningThreshold)
	viper.SetDefault("rate_limits.auto_pause", defaults.RateLimits.AutoPause)
	viper.SetDefault("rate_limits.five_hour_budget", defaults.RateLimits.FiveHourBudget)
	viper.SetDefault("rate_limits.weekly_budget", defaults.RateLimits.WeeklyBudget)

	// Daemon defaults
	viper.SetDefault("daemon.port", defaults.Daemon.Port)
	viper.SetDefault("daemon.grind_on_start", defaults.Daemon.GrindOnStart)

	// Agent defaults
	viper.SetDefault("agent.binary", defaults.Agent.Binary)
	viper.SetDefault("agent.timeout_minutes", defaults.Agent.TimeoutMinutes)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_raid_logs", defaults.Logging.MaxRaidLogs)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Paths defaults
	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// RCFile returns the path of the per-repo config file under repoRoot.
func RCFile(repoRoot string) string {
	return filepath.Join(repoRoot, RCFileName)
}

// ValidTiers returns the model tiers in escalation order, cheapest first.
func ValidTiers() []string {
	return []string{TierLow, TierMid, TierTop}
}

// IsValidTier checks if the given tier is valid
func IsValidTier(tier string) bool {
	for _, valid := range ValidTiers() {
		if tier == valid {
			return true
		}
	}
	return false
}

// ValidStrategies returns the list of valid merge conflict strategies
func ValidStrategies() []string {
	return []string{"default", "ours", "theirs"}
}

// IsValidStrategy checks if the given merge strategy is valid
func IsValidStrategy(strategy string) bool {
	for _, valid := range ValidStrategies() {
		if strategy == valid {
			return true
		}
	}
	return false
}

// ValidIntensities returns the list of valid review intensities
func ValidIntensities() []string {
	return []string{"light", "standard", "thorough"}
}

// IsValidIntensity checks if the given review intensity is valid
func IsValidIntensity(intensity string) bool {
	for _, valid := range ValidIntensities() {
		if intensity == valid {
			return true
		}
	}
	return false
}
