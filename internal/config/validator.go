package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "grind.parallel")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation
// errors found. An invalid configuration exits the process with code 2.
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateModels()...)
	errors = append(errors, c.validateGrind()...)
	errors = append(errors, c.validateReview()...)
	errors = append(errors, c.validateVerify()...)
	errors = append(errors, c.validateMergeQueue()...)
	errors = append(errors, c.validateRateLimits()...)
	errors = append(errors, c.validateDaemon()...)
	errors = append(errors, c.validateAgent()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validateModels validates the ModelsConfig
func (c *Config) validateModels() []ValidationError {
	var errors []ValidationError

	for field, value := range map[string]string{
		"models.low": c.Models.Low,
		"models.mid": c.Models.Mid,
		"models.top": c.Models.Top,
	} {
		if strings.TrimSpace(value) == "" {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   value,
				Message: "model id must not be empty",
			})
		}
	}

	if !IsValidTier(c.Models.MaxTier) {
		errors = append(errors, ValidationError{
			Field:   "models.max_tier",
			Value:   c.Models.MaxTier,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidTiers(), ", ")),
		})
	}

	return errors
}

// validateGrind validates the GrindConfig
func (c *Config) validateGrind() []ValidationError {
	var errors []ValidationError

	const maxAttemptsLimit = 20
	if c.Grind.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "grind.max_attempts",
			Value:   c.Grind.MaxAttempts,
			Message: "must be at least 1",
		})
	}
	if c.Grind.MaxAttempts > maxAttemptsLimit {
		errors = append(errors, ValidationError{
			Field:   "grind.max_attempts",
			Value:   c.Grind.MaxAttempts,
			Message: fmt.Sprintf("exceeds maximum of %d", maxAttemptsLimit),
		})
	}

	if c.Grind.MaxRetriesPerTier < 0 {
		errors = append(errors, ValidationError{
			Field:   "grind.max_retries_per_tier",
			Value:   c.Grind.MaxRetriesPerTier,
			Message: "must be non-negative",
		})
	}

	const minParallel, maxParallel = 1, 5
	if c.Grind.Parallel < minParallel || c.Grind.Parallel > maxParallel {
		errors = append(errors, ValidationError{
			Field:   "grind.parallel",
			Value:   c.Grind.Parallel,
			Message: fmt.Sprintf("must be between %d and %d", minParallel, maxParallel),
		})
	}

	if c.Grind.NoOpThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "grind.no_op_threshold",
			Value:   c.Grind.NoOpThreshold,
			Message: "must be at least 1",
		})
	}

	return errors
}

// validateReview validates the ReviewConfig
func (c *Config) validateReview() []ValidationError {
	var errors []ValidationError

	if c.Review.Intensity != "" && !IsValidIntensity(c.Review.Intensity) {
		errors = append(errors, ValidationError{
			Field:   "review.intensity",
			Value:   c.Review.Intensity,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidIntensities(), ", ")),
		})
	}

	return errors
}

// validateVerify validates the VerifyConfig
func (c *Config) validateVerify() []ValidationError {
	var errors []ValidationError

	if c.Verify.TimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "verify.timeout_seconds",
			Value:   c.Verify.TimeoutSeconds,
			Message: "must be at least 1 second",
		})
	}

	if c.Verify.Typecheck && strings.TrimSpace(c.Verify.TypecheckCommand) == "" {
		errors = append(errors, ValidationError{
			Field:   "verify.typecheck_command",
			Value:   c.Verify.TypecheckCommand,
			Message: "must not be empty when typecheck is enabled",
		})
	}

	return errors
}

// validateMergeQueue validates the MergeQueueConfig
func (c *Config) validateMergeQueue() []ValidationError {
	var errors []ValidationError

	if c.MergeQueue.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "merge_queue.max_retries",
			Value:   c.MergeQueue.MaxRetries,
			Message: "must be non-negative",
		})
	}

	if c.MergeQueue.BaseDelayMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "merge_queue.base_delay_ms",
			Value:   c.MergeQueue.BaseDelayMs,
			Message: "must be at least 1ms",
		})
	}

	if c.MergeQueue.MaxDelayMs < c.MergeQueue.BaseDelayMs {
		errors = append(errors, ValidationError{
			Field:   "merge_queue.max_delay_ms",
			Value:   c.MergeQueue.MaxDelayMs,
			Message: "must be at least merge_queue.base_delay_ms",
		})
	}

	if c.MergeQueue.Strategy != "" && !IsValidStrategy(c.MergeQueue.Strategy) {
		errors = append(errors, ValidationError{
			Field:   "merge_queue.strategy",
			Value:   c.MergeQueue.Strategy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStrategies(), ", ")),
		})
	}

	return errors
}

// validateRateLimits validates the RateLimitsConfig
func (c *Config) validateRateLimits() []ValidationError {
	var errors []ValidationError

	if c.RateLimits.PauseThreshold <= 0 || c.RateLimits.PauseThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "rate_limits.pause_threshold",
			Value:   c.RateLimits.PauseThreshold,
			Message: "must be in (0, 1]",
		})
	}

	if c.RateLimits.WarningThreshold <= 0 || c.RateLimits.WarningThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "rate_limits.warning_threshold",
			Value:   c.RateLimits.WarningThreshold,
			Message: "must be in (0, 1]",
		})
	}

	if c.RateLimits.WarningThreshold > c.RateLimits.PauseThreshold {
		errors = append(errors, ValidationError{
			Field:   "rate_limits.warning_threshold",
			Value:   c.RateLimits.WarningThreshold,
			Message: "must not exceed rate_limits.pause_threshold",
		})
	}

	if c.RateLimits.FiveHourBudget < 0 {
		errors = append(errors, ValidationError{
			Field:   "rate_limits.five_hour_budget",
			Value:   c.RateLimits.FiveHourBudget,
			Message: "must be non-negative",
		})
	}

	if c.RateLimits.WeeklyBudget < 0 {
		errors = append(errors, ValidationError{
			Field:   "rate_limits.weekly_budget",
			Value:   c.RateLimits.WeeklyBudget,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateDaemon validates the DaemonConfig
func (c *Config) validateDaemon() []ValidationError {
	var errors []ValidationError

	if c.Daemon.Port < 1 || c.Daemon.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "daemon.port",
			Value:   c.Daemon.Port,
			Message: "must be between 1 and 65535",
		})
	}

	return errors
}

// validateAgent validates the AgentConfig
func (c *Config) validateAgent() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Agent.Binary) == "" {
		errors = append(errors, ValidationError{
			Field:   "agent.binary",
			Value:   c.Agent.Binary,
			Message: "must not be empty",
		})
	}

	if c.Agent.TimeoutMinutes < 1 {
		errors = append(errors, ValidationError{
			Field:   "agent.timeout_minutes",
			Value:   c.Agent.TimeoutMinutes,
			Message: "must be at least 1 minute",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" {
		valid := false
		for _, level := range ValidLogLevels() {
			if strings.EqualFold(c.Logging.Level, level) {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "logging.level",
				Value:   c.Logging.Level,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
			})
		}
	}

	if c.Logging.MaxRaidLogs < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_raid_logs",
			Value:   c.Logging.MaxRaidLogs,
			Message: "must be non-negative",
		})
	}

	return errors
}
