// Package errors provides centralized error definitions and error handling
// utilities for the undercity codebase. It defines the failure-kind taxonomy
// used for pattern learning and retry decisions, domain-specific error types,
// error constructors with context wrapping, and classification helpers.
//
// # Error Types
//
// The package provides two categories of errors:
//
// Domain-specific errors represent errors from specific subsystems:
//   - TaskError: errors from task execution (worker attempts, verification)
//   - AgentError: errors from coding-agent subprocess invocations
//   - MergeError: errors from merge-queue operations (rebase, test, merge)
//   - RateLimitError: provider rate-limit rejections with retry-after info
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - AlreadyExistsError: resource already exists
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Failure Kinds
//
// Every failed attempt is categorised into a Kind, which drives retry
// policy and pattern persistence:
//
//	kind := errors.Classify(err)
//	if kind.Transient() {
//	    // backoff and retry
//	}
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewTaskError("verification failed", cause).
//	    WithTaskID("task-abc").WithKind(errors.KindTest)
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrTaskNotFound) { ... }
//
//	var mergeErr *errors.MergeError
//	if errors.As(err, &mergeErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Failure Kinds
// -----------------------------------------------------------------------------

// Kind categorises a failure for retry policy and pattern learning.
// Kinds are persisted (error patterns, permanent failures) so the string
// values are part of the on-disk format and must stay stable.
type Kind string

const (
	// KindTypecheck is a failed typecheck command.
	KindTypecheck Kind = "typecheck"
	// KindTest is a failed test command.
	KindTest Kind = "test"
	// KindLint is a lint failure.
	KindLint Kind = "lint"
	// KindBuild is a failed build.
	KindBuild Kind = "build"
	// KindNoChanges means the agent produced no file modifications.
	KindNoChanges Kind = "no_changes"
	// KindPlanning is a failure during the planning phase.
	KindPlanning Kind = "planning"
	// KindMaxAttempts means the task exhausted its attempt budget.
	KindMaxAttempts Kind = "max_attempts"
	// KindRateLimit is a provider 429 / quota rejection.
	KindRateLimit Kind = "rate_limit"
	// KindTimeout is an operation that exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindToolError is a failure inside an agent tool invocation.
	KindToolError Kind = "tool_error"
	// KindValidation is invalid input or state.
	KindValidation Kind = "validation_error"
	// KindCrash is an agent process that died unexpectedly.
	KindCrash Kind = "crash"
	// KindNetworkTransient is a transient network-level failure.
	KindNetworkTransient Kind = "network_transient"
	// KindUnknown is anything that could not be categorised.
	KindUnknown Kind = "unknown"
)

// Kinds lists every failure kind in taxonomy order.
func Kinds() []Kind {
	return []Kind{
		KindTypecheck, KindTest, KindLint, KindBuild,
		KindNoChanges, KindPlanning, KindMaxAttempts,
		KindRateLimit, KindTimeout, KindToolError,
		KindValidation, KindCrash, KindNetworkTransient,
		KindUnknown,
	}
}

// String returns the kind's stable string value.
func (k Kind) String() string {
	return string(k)
}

// Valid reports whether k is one of the defined failure kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Transient reports whether failures of this kind may succeed if the same
// operation is simply retried after a backoff. Verification kinds
// (typecheck/test/lint/build) are not transient: they require new work
// before a retry makes sense.
func (k Kind) Transient() bool {
	switch k {
	case KindRateLimit, KindTimeout, KindNetworkTransient:
		return true
	default:
		return false
	}
}

// Verification reports whether the kind comes from an external
// verification command rather than the agent or infrastructure.
func (k Kind) Verification() bool {
	switch k {
	case KindTypecheck, KindTest, KindLint, KindBuild:
		return true
	default:
		return false
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Task and board sentinel errors
var (
	// ErrTaskNotFound indicates that a task could not be found on the board.
	ErrTaskNotFound = New("task not found")
	// ErrTaskClaimed indicates that a task is already claimed by a worker.
	ErrTaskClaimed = New("task already claimed")
	// ErrTaskTerminal indicates an operation on a task in a terminal state.
	ErrTaskTerminal = New("task is in a terminal state")
	// ErrEmptyObjective indicates a task submitted without an objective.
	ErrEmptyObjective = New("task objective is empty")
	// ErrBoardEmpty indicates that no claimable tasks remain.
	ErrBoardEmpty = New("no claimable tasks on board")
)

// Agent-related sentinel errors
var (
	// ErrAgentBinaryNotFound indicates the configured agent binary is missing.
	ErrAgentBinaryNotFound = New("agent binary not found")
	// ErrAgentCrashed indicates the agent process exited abnormally.
	ErrAgentCrashed = New("agent process crashed")
	// ErrAgentNoOutput indicates the agent stream carried no result event.
	ErrAgentNoOutput = New("agent produced no result")
	// ErrModelUnavailable indicates no usable model remains for a request.
	ErrModelUnavailable = New("no model available")
)

// Git and merge-queue sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrBranchExists indicates that a branch already exists.
	ErrBranchExists = New("branch already exists")
	// ErrBranchNotFound indicates that a branch could not be found.
	ErrBranchNotFound = New("branch not found")
	// ErrMergeConflict indicates that a merge or rebase conflict occurred.
	ErrMergeConflict = New("merge conflict")
	// ErrDirtyWorktree indicates that the worktree has uncommitted changes.
	ErrDirtyWorktree = New("worktree has uncommitted changes")
	// ErrQueueStopped indicates the merge queue is no longer accepting work.
	ErrQueueStopped = New("merge queue stopped")
)

// Usage and rate-limit sentinel errors
var (
	// ErrPaused indicates that LLM work is globally paused.
	ErrPaused = New("work is paused for rate limiting")
	// ErrUsageExceeded indicates a rolling-window usage budget is exhausted.
	ErrUsageExceeded = New("usage budget exceeded")
)

// Daemon sentinel errors
var (
	// ErrDaemonRunning indicates another daemon already holds the lockfile.
	ErrDaemonRunning = New("daemon already running")
	// ErrDaemonNotRunning indicates no daemon is reachable.
	ErrDaemonNotRunning = New("daemon not running")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrCorruptState indicates a state file that could not be parsed.
	ErrCorruptState = New("corrupt state file")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// UndercityError is the base interface for all undercity errors.
// It extends the standard error interface with methods for error
// handling and classification.
type UndercityError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is reports whether this error matches the target error.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the severity level of this error.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns true if the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns true if the error is user-facing.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// TaskError represents errors from task execution.
//
// Example:
//
//	err := errors.NewTaskError("verification failed", cause)
//	err = err.WithTaskID("task-1").WithKind(errors.KindTest).WithAttempt(2)
type TaskError struct {
	baseError
	TaskID  string
	Kind    Kind
	Attempt int
	Tier    string
}

// NewTaskError creates a new TaskError.
func NewTaskError(message string, cause error) *TaskError {
	return &TaskError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
		Attempt: -1, // -1 indicates not set
	}
}

// WithTaskID adds a task ID to the error context.
func (e *TaskError) WithTaskID(id string) *TaskError {
	e.TaskID = id
	return e
}

// WithKind sets the failure kind and derives retryability from it.
func (e *TaskError) WithKind(k Kind) *TaskError {
	e.Kind = k
	e.retryable = k.Transient()
	return e
}

// WithAttempt adds the attempt number to the error context.
func (e *TaskError) WithAttempt(n int) *TaskError {
	e.Attempt = n
	return e
}

// WithTier adds the model tier to the error context.
func (e *TaskError) WithTier(tier string) *TaskError {
	e.Tier = tier
	return e
}

// WithSeverity sets the error severity.
func (e *TaskError) WithSeverity(s Severity) *TaskError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *TaskError) WithRetryable(r bool) *TaskError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *TaskError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.Kind != "" {
		parts = append(parts, fmt.Sprintf("kind=%s", e.Kind))
	}
	if e.Attempt >= 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	if e.Tier != "" {
		parts = append(parts, fmt.Sprintf("tier=%s", e.Tier))
	}

	prefix := "task error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("task error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *TaskError) Is(target error) bool {
	if _, ok := target.(*TaskError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// AgentError represents errors from coding-agent subprocess invocations.
type AgentError struct {
	baseError
	AgentID  string
	Model    string
	ExitCode int
}

// NewAgentError creates a new AgentError.
func NewAgentError(message string, cause error) *AgentError {
	return &AgentError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: false,
		},
		ExitCode: -1, // -1 indicates not set
	}
}

// WithAgentID adds an agent ID to the error context.
func (e *AgentError) WithAgentID(id string) *AgentError {
	e.AgentID = id
	return e
}

// WithModel adds the model identifier to the error context.
func (e *AgentError) WithModel(model string) *AgentError {
	e.Model = model
	return e
}

// WithExitCode adds the process exit code to the error context.
func (e *AgentError) WithExitCode(code int) *AgentError {
	e.ExitCode = code
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *AgentError) WithRetryable(r bool) *AgentError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *AgentError) Error() string {
	var parts []string
	if e.AgentID != "" {
		parts = append(parts, fmt.Sprintf("agent=%s", e.AgentID))
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.ExitCode >= 0 {
		parts = append(parts, fmt.Sprintf("exit=%d", e.ExitCode))
	}

	prefix := "agent error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("agent error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *AgentError) Is(target error) bool {
	if _, ok := target.(*AgentError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// MergeError represents errors from merge-queue operations.
//
// Example:
//
//	err := errors.NewMergeError("rebase failed", errors.ErrMergeConflict)
//	err = err.WithBranch("undercity/task-1").WithConflictFiles(files)
type MergeError struct {
	baseError
	Branch        string
	Strategy      string
	ConflictFiles []string
	GitOutput     string // Captured git command output
}

// NewMergeError creates a new MergeError.
func NewMergeError(message string, cause error) *MergeError {
	return &MergeError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithBranch adds a branch name to the error context.
func (e *MergeError) WithBranch(branch string) *MergeError {
	e.Branch = branch
	return e
}

// WithStrategy adds the merge strategy to the error context.
func (e *MergeError) WithStrategy(strategy string) *MergeError {
	e.Strategy = strategy
	return e
}

// WithConflictFiles adds the conflicting file paths to the error context.
func (e *MergeError) WithConflictFiles(files []string) *MergeError {
	e.ConflictFiles = files
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *MergeError) WithGitOutput(output string) *MergeError {
	e.GitOutput = output
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *MergeError) WithRetryable(r bool) *MergeError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *MergeError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Strategy != "" {
		parts = append(parts, fmt.Sprintf("strategy=%s", e.Strategy))
	}
	if len(e.ConflictFiles) > 0 {
		parts = append(parts, fmt.Sprintf("conflicts=%d", len(e.ConflictFiles)))
	}

	prefix := "merge error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("merge error [%s]", strings.Join(parts, ", "))
	}

	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}

	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Is checks if this error matches the target.
func (e *MergeError) Is(target error) bool {
	if _, ok := target.(*MergeError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// RateLimitError represents a provider rate-limit rejection. It is always
// retryable; RetryAfter carries the provider's requested wait when known.
type RateLimitError struct {
	baseError
	Model      string
	RetryAfter time.Duration // 0 means the provider gave no retry-after
}

// NewRateLimitError creates a new RateLimitError.
func NewRateLimitError(message string, cause error) *RateLimitError {
	return &RateLimitError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithModel adds the rate-limited model to the error context.
func (e *RateLimitError) WithModel(model string) *RateLimitError {
	e.Model = model
	return e
}

// WithRetryAfter adds the provider's requested wait to the error context.
func (e *RateLimitError) WithRetryAfter(d time.Duration) *RateLimitError {
	e.RetryAfter = d
	return e
}

// Error returns the formatted error message.
func (e *RateLimitError) Error() string {
	var parts []string
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, fmt.Sprintf("retry-after=%s", e.RetryAfter))
	}

	prefix := "rate limit"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("rate limit [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *RateLimitError) Is(target error) bool {
	if _, ok := target.(*RateLimitError); ok {
		return true
	}
	if errors.Is(target, ErrPaused) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("task", "abc123")
//	fmt.Println(err) // "task 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// AlreadyExistsError represents a resource that already exists.
type AlreadyExistsError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(resourceType, resourceID string) *AlreadyExistsError {
	return &AlreadyExistsError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' already exists", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *AlreadyExistsError) WithCause(cause error) *AlreadyExistsError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *AlreadyExistsError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' already exists: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' already exists", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *AlreadyExistsError) Is(target error) bool {
	if _, ok := target.(*AlreadyExistsError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("objective cannot be empty")
//	err = err.WithField("objective").WithValue("")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true, // Timeouts are generally retryable
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification
// -----------------------------------------------------------------------------

// rateLimitMarkers are the substrings that identify a rate-limit rejection
// in provider error text. Matching is case-insensitive.
var rateLimitMarkers = []string{
	"429",
	"rate limit",
	"quota exceeded",
	"too many requests",
}

// transientMarkers are network failure codes that appear in error text when
// the underlying syscall error has been flattened to a string (agent stderr,
// provider SDK messages).
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"econnrefused",
	"etimedout",
	"enotfound",
	"econnreset",
	"epipe",
	"ehostunreach",
}

// httpStatusPattern extracts an HTTP status code from error text such as
// "unexpected status 503" or "http 502 bad gateway".
var httpStatusPattern = regexp.MustCompile(`(?i)(?:status(?:\s+code)?|http)[\s:=]+(\d{3})`)

// IsRateLimited reports whether err looks like a provider rate-limit
// rejection. It matches RateLimitError values and the known marker
// substrings in the error text.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var rle *RateLimitError
	if As(err, &rle) {
		return true
	}
	return ContainsRateLimitMarker(err.Error())
}

// ContainsRateLimitMarker reports whether s contains any known rate-limit
// marker substring, case-insensitively.
func ContainsRateLimitMarker(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// StatusTransient reports whether an HTTP status code indicates a
// transient condition worth retrying.
func StatusTransient(code int) bool {
	return code == 429 || code >= 500
}

// IsTransientNetwork reports whether err is a transient network-level
// failure: connection refused/reset, DNS failure, broken pipe, host
// unreachable, or an HTTP 5xx/429 flattened into the message.
func IsTransientNetwork(err error) bool {
	if err == nil {
		return false
	}

	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ETIMEDOUT,
		syscall.ECONNRESET,
		syscall.EPIPE,
		syscall.EHOSTUNREACH,
	} {
		if Is(err, errno) {
			return true
		}
	}

	var dnsErr *net.DNSError
	if As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if As(err, &netErr) && netErr.Timeout() {
		return true
	}

	lower := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	if m := httpStatusPattern.FindStringSubmatch(lower); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil && StatusTransient(code) {
			return true
		}
	}

	return false
}

// Classify maps an error to its failure kind. Typed errors win over text
// matching; anything unrecognised is KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var taskErr *TaskError
	if As(err, &taskErr) && taskErr.Kind != "" {
		return taskErr.Kind
	}

	if IsRateLimited(err) {
		return KindRateLimit
	}

	var timeoutErr *TimeoutError
	if As(err, &timeoutErr) || Is(err, ErrTimeout) || Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var validationErr *ValidationError
	if As(err, &validationErr) || Is(err, ErrInvalidInput) {
		return KindValidation
	}

	if Is(err, ErrAgentCrashed) {
		return KindCrash
	}

	if IsTransientNetwork(err) {
		return KindNetworkTransient
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "panic:"):
		return KindCrash
	case strings.Contains(lower, "no changes"), strings.Contains(lower, "no file modifications"):
		return KindNoChanges
	}

	return KindUnknown
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing UndercityError with IsRetryable() returning true
//   - Rate-limit and timeout errors
//   - Transient network failures
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ucErr UndercityError
	if As(err, &ucErr) {
		return ucErr.IsRetryable()
	}

	if Is(err, ErrTimeout) || Is(err, context.DeadlineExceeded) {
		return true
	}
	if IsRateLimited(err) || IsTransientNetwork(err) {
		return true
	}

	return false
}

// IsUserFacing returns true if the error message is safe to display to end
// users. Errors that don't implement UndercityError and aren't semantic
// errors are treated as internal.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var ucErr UndercityError
	if As(err, &ucErr) {
		return ucErr.IsUserFacing()
	}

	var notFound *NotFoundError
	var alreadyExists *AlreadyExistsError
	var validation *ValidationError
	var timeout *TimeoutError

	if As(err, &notFound) || As(err, &alreadyExists) ||
		As(err, &validation) || As(err, &timeout) {
		return true
	}

	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement UndercityError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var ucErr UndercityError
	if As(err, &ucErr) {
		return ucErr.Severity()
	}

	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to claim task")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
