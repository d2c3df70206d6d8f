package llm

import (
	"context"
	"testing"
	"time"

	"github.com/undercity-dev/undercity/internal/config"
	"github.com/undercity-dev/undercity/internal/errors"
	"github.com/undercity-dev/undercity/internal/guard"
	"github.com/undercity-dev/undercity/internal/ratelimit"
)

// fakeProvider replays a scripted sequence of results.
type fakeProvider struct {
	calls     int
	responses []fakeCompletion
	models    []string
}

type fakeCompletion struct {
	resp *Response
	err  error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, model string, req Request) (*Response, error) {
	f.models = append(f.models, model)
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	r := f.responses[i]
	return r.resp, r.err
}

func testClient(t *testing.T, provider Provider) *Client {
	t.Helper()
	cfg := config.Default()
	tracker := ratelimit.NewTracker(cfg.RateLimits, cfg.Models, "", nil)
	g := guard.New(cfg.RateLimits, tracker, nil)
	c := NewClient(cfg.Models, g, provider, nil)
	return c.WithRetry(RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
}

func TestCompleteResolvesTier(t *testing.T) {
	provider := &fakeProvider{responses: []fakeCompletion{
		{resp: &Response{Content: "ok", Usage: TokenUsage{InputTokens: 10, OutputTokens: 5}}},
	}}
	c := testClient(t, provider)

	resp, err := c.Complete(context.Background(), Request{
		Tier:     config.TierTop,
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q, want ok", resp.Content)
	}
	want := config.Default().Models.Top
	if len(provider.models) != 1 || provider.models[0] != want {
		t.Errorf("provider saw models %v, want [%s]", provider.models, want)
	}
}

func TestCompleteRetriesTransient(t *testing.T) {
	provider := &fakeProvider{responses: []fakeCompletion{
		{err: errors.NewAgentError("endpoint returned status 503", nil).WithRetryable(true)},
		{resp: &Response{Content: "recovered"}},
	}}
	c := testClient(t, provider)

	resp, err := c.Complete(context.Background(), Request{Tier: config.TierMid})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("Content = %q, want recovered", resp.Content)
	}
	if provider.calls != 2 {
		t.Errorf("provider called %d times, want 2", provider.calls)
	}
}

func TestCompleteDoesNotRetryFatal(t *testing.T) {
	provider := &fakeProvider{responses: []fakeCompletion{
		{err: errors.NewValidationError("bad request")},
	}}
	c := testClient(t, provider)

	if _, err := c.Complete(context.Background(), Request{Tier: config.TierMid}); err == nil {
		t.Fatal("expected error")
	}
	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1 (no retry)", provider.calls)
	}
}

func TestCompleteGivesUpAfterMaxAttempts(t *testing.T) {
	provider := &fakeProvider{responses: []fakeCompletion{
		{err: errors.NewAgentError("connection reset: ECONNRESET", nil).WithRetryable(true)},
	}}
	c := testClient(t, provider)

	if _, err := c.Complete(context.Background(), Request{Tier: config.TierMid}); err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if provider.calls != 3 {
		t.Errorf("provider called %d times, want 3", provider.calls)
	}
}

func TestProviderFor(t *testing.T) {
	if got := ProviderFor("claude-sonnet-4-5-20250929").Name(); got != "anthropic" {
		t.Errorf("claude model routed to %q, want anthropic", got)
	}
	if got := ProviderFor("gpt-4o").Name(); got != "openai" {
		t.Errorf("gpt model routed to %q, want openai", got)
	}
}

func TestDecideSplitsDecisionAndReasoning(t *testing.T) {
	provider := &fakeProvider{responses: []fakeCompletion{
		{resp: &Response{Content: "use streaming\nit bounds memory use"}},
	}}
	c := testClient(t, provider)

	decision, reasoning, err := c.Decide(context.Background(), "stream or buffer?", "")
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision != "use streaming" {
		t.Errorf("decision = %q, want %q", decision, "use streaming")
	}
	if reasoning != "it bounds memory use" {
		t.Errorf("reasoning = %q, want %q", reasoning, "it bounds memory use")
	}
}
