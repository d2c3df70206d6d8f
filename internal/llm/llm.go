// Package llm is the tiered text-model client used for planning, review,
// and meta work. A provider registry resolves configured model ids to a
// backend (Anthropic SDK or any OpenAI-compatible endpoint); every call
// runs through the usage guard, and transient failures retry with
// jittered exponential backoff. The coding agent subprocess is NOT this
// client — see internal/agent.
package llm

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/undercity-dev/undercity/internal/config"
	"github.com/undercity-dev/undercity/internal/errors"
	"github.com/undercity-dev/undercity/internal/guard"
	"github.com/undercity-dev/undercity/internal/logging"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request is a completion request addressed to a tier, not a model: the
// client resolves the tier through configuration.
type Request struct {
	Tier      string
	System    string
	Messages  []Message
	MaxTokens int
	// JSONOnly asks the model for a bare JSON response.
	JSONOnly bool
}

// TokenUsage is the token consumption of one call.
type TokenUsage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

// Response is a completion result.
type Response struct {
	Content string     `json:"content"`
	Model   string     `json:"model"`
	Usage   TokenUsage `json:"usage"`
}

// RetryConfig bounds the client's retry loop.
type RetryConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig is used when the zero value is supplied.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	BackoffBase: time.Second,
	MaxBackoff:  30 * time.Second,
}

// Client resolves tiers to models and providers and executes guarded,
// retried completions.
type Client struct {
	models   config.ModelsConfig
	guard    *guard.Guard
	provider Provider
	retry    RetryConfig
	logger   *logging.Logger
}

// NewClient creates a client using the given provider. A nil provider
// selects the default registry provider for the configured model ids.
func NewClient(models config.ModelsConfig, g *guard.Guard, provider Provider, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if provider == nil {
		provider = ProviderFor(models.Mid)
	}
	return &Client{
		models:   models,
		guard:    g,
		provider: provider,
		retry:    DefaultRetryConfig,
		logger:   logger,
	}
}

// WithRetry overrides the retry configuration.
func (c *Client) WithRetry(r RetryConfig) *Client {
	if r.MaxAttempts > 0 {
		c.retry = r
	}
	return c
}

// Complete runs one guarded completion against the request's tier,
// retrying transient failures. Fatal errors (auth, bad request) return
// immediately.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	model := c.models.ForTier(req.Tier)

	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		resp, err := c.completeOnce(ctx, model, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		kind := errors.Classify(err)
		if !kind.Transient() {
			return nil, err
		}
		if attempt == c.retry.MaxAttempts {
			break
		}

		backoff := c.backoff(attempt)
		c.logger.Debug("completion failed, retrying",
			"model", model,
			"attempt", attempt,
			"backoff", backoff.String(),
			"kind", kind.String(),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

func (c *Client) completeOnce(ctx context.Context, model string, req Request) (*Response, error) {
	op := func(ctx context.Context) (any, error) {
		return c.provider.Complete(ctx, model, req)
	}
	extract := func(resp any) (guard.Usage, bool) {
		r, ok := resp.(*Response)
		if !ok {
			return guard.Usage{}, false
		}
		return guard.Usage{InputTokens: r.Usage.InputTokens, OutputTokens: r.Usage.OutputTokens}, true
	}

	res := c.guard.Execute(ctx, model, op, extract)
	if res.Err != nil {
		return nil, res.Err
	}
	resp, ok := res.Resp.(*Response)
	if !ok {
		return nil, errors.New("provider returned an unexpected response type")
	}
	return resp, nil
}

// backoff computes the jittered exponential delay for an attempt.
func (c *Client) backoff(attempt int) time.Duration {
	backoff := c.retry.BackoffBase
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > c.retry.MaxBackoff {
		backoff = c.retry.MaxBackoff
	}
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// Decide satisfies the decision tracker's Advisor interface: the mid
// tier answers PM-decidable questions with a one-line decision followed
// by its reasoning.
func (c *Client) Decide(ctx context.Context, question, decisionContext string) (string, string, error) {
	prompt := "Question: " + question
	if decisionContext != "" {
		prompt += "\nContext: " + decisionContext
	}
	resp, err := c.Complete(ctx, Request{
		Tier:      config.TierMid,
		System:    "You are the project decision-maker. Answer with the decision on the first line and a one-line rationale on the second. Be decisive.",
		Messages:  []Message{{Role: RoleUser, Content: prompt}},
		MaxTokens: 300,
	})
	if err != nil {
		return "", "", err
	}
	decision, reasoning := splitFirstLine(resp.Content)
	return decision, reasoning, nil
}

func splitFirstLine(s string) (string, string) {
	first, rest, found := strings.Cut(s, "\n")
	if !found {
		return strings.TrimSpace(s), ""
	}
	return strings.TrimSpace(first), strings.TrimSpace(rest)
}
