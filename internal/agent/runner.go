package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/undercity-dev/undercity/internal/config"
	"github.com/undercity-dev/undercity/internal/errors"
	"github.com/undercity-dev/undercity/internal/logging"
)

// maxLineSize bounds a single stream line. Agent tool output can embed
// whole files.
const maxLineSize = 10 * 1024 * 1024

// Request describes one agent invocation.
type Request struct {
	// Prompt is the full instruction text, delivered on stdin.
	Prompt string

	// Model is the model id the agent should run with.
	Model string

	// WorkDir is the repository the agent operates in.
	WorkDir string

	// AllowedTools restricts the agent's tool surface when non-empty.
	AllowedTools []string
}

// Runner executes one agent run and streams its events. The channel is
// closed after the terminal Result event.
type Runner interface {
	Run(ctx context.Context, req Request) (<-chan Event, error)
}

// ProcessRunner runs the configured agent binary as a subprocess and
// decodes its JSONL output stream.
type ProcessRunner struct {
	cfg    config.AgentConfig
	logger *logging.Logger
}

// NewProcessRunner creates a runner for the configured agent binary.
func NewProcessRunner(cfg config.AgentConfig, logger *logging.Logger) *ProcessRunner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &ProcessRunner{cfg: cfg, logger: logger}
}

// Run starts the agent process. It returns an error only when the
// process cannot be started; stream-level failures arrive as the Err
// field of the terminal Result.
func (r *ProcessRunner) Run(ctx context.Context, req Request) (<-chan Event, error) {
	if req.Prompt == "" {
		return nil, errors.NewValidationError("agent prompt is empty").WithField("prompt")
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout())

	args := []string{"--print", "--verbose", "--output-format", "stream-json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}

	cmd := exec.CommandContext(runCtx, r.cfg.Binary, args...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open agent stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.NewAgentError("failed to start agent process", err).WithModel(req.Model)
	}

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		defer cancel()

		sawResult := r.pump(stdout, req.Model, events)

		waitErr := cmd.Wait()
		if sawResult && waitErr == nil {
			return
		}

		// The stream ended without a clean Result: synthesize the
		// terminal event so consumers always see exactly one.
		res := Result{Err: r.classifyExit(runCtx, req.Model, waitErr, stderr.String())}
		if res.Err == nil {
			res.Err = errors.NewAgentError("agent stream ended without result", errors.ErrAgentCrashed).
				WithModel(req.Model)
		}
		events <- res
	}()

	return events, nil
}

// pump decodes stream lines into events until stdout closes. It reports
// whether a terminal Result arrived.
func (r *ProcessRunner) pump(stdout io.Reader, model string, events chan<- Event) bool {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	sawResult := false
	for scanner.Scan() {
		ev, ok := decodeLine(strings.TrimSpace(scanner.Text()))
		if !ok {
			continue
		}
		if warn, isWarn := ev.(ParseWarning); isWarn {
			r.logger.Warn("dropping unreadable agent event", "reason", warn.Reason)
		}
		if _, isResult := ev.(Result); isResult {
			if sawResult {
				continue
			}
			sawResult = true
		}
		events <- ev
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn("agent stream read failed", "error", err.Error())
	}
	return sawResult
}

// classifyExit maps a process exit into the error taxonomy.
func (r *ProcessRunner) classifyExit(runCtx context.Context, model string, waitErr error, stderr string) error {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return errors.NewTimeoutError("agent run", r.cfg.Timeout())
	}
	if waitErr == nil {
		return nil
	}

	msg := "agent process crashed"
	if s := strings.TrimSpace(stderr); s != "" {
		msg = msg + ": " + truncate(s, 500)
	}
	agentErr := errors.NewAgentError(msg, errors.ErrAgentCrashed).WithModel(model)
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		agentErr = agentErr.WithExitCode(exitErr.ExitCode())
	}
	return agentErr
}
