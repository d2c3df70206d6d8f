package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/undercity-dev/undercity/internal/errors"
)

func init() {
	RegisterProvider(NewOpenAIProvider())
}

// maxResponseSize bounds response bodies read from the endpoint.
const maxResponseSize = 10 * 1024 * 1024

// OpenAIProvider completes requests against any OpenAI-compatible chat
// endpoint. Base URL and key come from OPENAI_BASE_URL / OPENAI_API_KEY.
type OpenAIProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIProvider creates the provider with the environment's base URL
// (default https://api.openai.com).
func NewOpenAIProvider() *OpenAIProvider {
	base := os.Getenv("OPENAI_BASE_URL")
	if base == "" {
		base = "https://api.openai.com"
	}
	return &OpenAIProvider{
		baseURL:    strings.TrimSuffix(base, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

type openaiRequest struct {
	Model     string          `json:"model"`
	Messages  []openaiMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openaiMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete runs one chat-completions call.
func (p *OpenAIProvider) Complete(ctx context.Context, model string, req Request) (*Response, error) {
	messages := make([]openaiMessage, 0, len(req.Messages)+1)
	system := req.System
	if req.JSONOnly {
		if system != "" {
			system += "\n\n"
		}
		system += "Respond with valid JSON only, no other text."
	}
	if system != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: system})
	}
	for _, m := range req.Messages {
		messages = append(messages, openaiMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(openaiRequest{Model: model, Messages: messages, MaxTokens: req.MaxTokens})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.NewAgentError("completion request failed", err).WithModel(model).WithRetryable(true)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.NewAgentError("failed to read response", err).WithModel(model).WithRetryable(true)
	}

	if httpResp.StatusCode == http.StatusTooManyRequests {
		rle := errors.NewRateLimitError("endpoint rate limit", nil).WithModel(model)
		if retryAfter := httpResp.Header.Get("retry-after"); retryAfter != "" {
			if d, parseErr := time.ParseDuration(retryAfter + "s"); parseErr == nil {
				rle = rle.WithRetryAfter(d)
			}
		}
		return nil, rle
	}
	if httpResp.StatusCode >= 500 {
		return nil, errors.NewAgentError(
			fmt.Sprintf("endpoint returned status %d", httpResp.StatusCode), nil).
			WithModel(model).WithRetryable(true)
	}

	var parsed openaiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, errors.NewAgentError(parsed.Error.Message, nil).WithModel(model)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, errors.NewAgentError(
			fmt.Sprintf("endpoint returned status %d", httpResp.StatusCode), nil).WithModel(model)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("endpoint returned no choices")
	}

	return &Response{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage: TokenUsage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}
