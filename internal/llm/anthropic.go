package llm

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/undercity-dev/undercity/internal/errors"
)

func init() {
	RegisterProvider(NewAnthropicProvider())
}

// AnthropicProvider completes requests through the Anthropic SDK. The
// SDK reads ANTHROPIC_API_KEY from the environment by default.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates the provider with the default SDK client.
func NewAnthropicProvider() *AnthropicProvider {
	return &AnthropicProvider{client: anthropic.NewClient()}
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete runs one messages call.
func (p *AnthropicProvider) Complete(ctx context.Context, model string, req Request) (*Response, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
	}

	system := req.System
	if req.JSONOnly {
		if system != "" {
			system += "\n\n"
		}
		system += "Respond with valid JSON only, no other text."
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		switch m.Role {
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(model, err)
	}

	var content string
	for _, block := range message.Content {
		content += block.Text
	}

	return &Response{
		Content: content,
		Model:   string(message.Model),
		Usage: TokenUsage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
		},
	}, nil
}

// wrapAnthropicError converts SDK errors into the domain taxonomy so the
// guard and retry loop can classify them.
func wrapAnthropicError(model string, err error) error {
	var apierr *anthropic.Error
	if !errors.As(err, &apierr) {
		return err
	}
	if apierr.StatusCode == 429 {
		rle := errors.NewRateLimitError("anthropic rate limit", err).WithModel(model)
		if retryAfter := apierr.Response.Header.Get("retry-after"); retryAfter != "" {
			if d, parseErr := time.ParseDuration(retryAfter + "s"); parseErr == nil {
				rle = rle.WithRetryAfter(d)
			}
		}
		return rle
	}
	if apierr.StatusCode >= 500 {
		return errors.NewAgentError("anthropic server error", err).WithModel(model).WithRetryable(true)
	}
	return errors.NewAgentError("anthropic request failed", err).WithModel(model)
}
