package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/undercity-dev/undercity/internal/errors"
)

// Provider executes a completion against one backend.
type Provider interface {
	// Name returns the provider identifier ("anthropic", "openai").
	Name() string

	// Complete runs a single completion for the resolved model id.
	Complete(ctx context.Context, model string, req Request) (*Response, error)
}

var (
	providerMu       sync.RWMutex
	providerRegistry = make(map[string]Provider)
)

// RegisterProvider adds a provider to the registry, replacing any
// previous provider with the same name.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name, nil when unregistered.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ProviderFor picks the registry provider matching a model id: claude-*
// models route to anthropic, everything else to the openai-compatible
// provider.
func ProviderFor(model string) Provider {
	name := "openai"
	if strings.HasPrefix(strings.ToLower(model), "claude") {
		name = "anthropic"
	}
	if p := GetProvider(name); p != nil {
		return p
	}
	return unavailableProvider{name: name}
}

// unavailableProvider reports a configuration problem instead of
// panicking when no backend is registered for a model family.
type unavailableProvider struct {
	name string
}

func (u unavailableProvider) Name() string { return u.name }

func (u unavailableProvider) Complete(ctx context.Context, model string, req Request) (*Response, error) {
	return nil, errors.NewValidationError("no provider registered for " + u.name).WithField("provider")
}
