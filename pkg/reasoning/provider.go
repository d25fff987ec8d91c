package reasoning

import (
	"context"
	"fmt"
)

// Provider makes a single completion call against one LLM API
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)

	// Name returns the provider name used in metrics and logs
	Name() string
}

// Request contains the parameters of one completion call
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Profile is one set of provider credentials in the failover chain.
// Lower Priority is tried first.
type Profile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // anthropic, openai
	APIKey   string `json:"api_key"`
	Model    string `json:"model,omitempty"`
	Priority int    `json:"priority"`
}

// ProviderFactory builds the provider for a profile
type ProviderFactory func(profile Profile) (Provider, error)

// NewProvider creates a provider based on the profile's provider name
func NewProvider(profile Profile) (Provider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
