package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/carapace-run/carapace/pkg/types"
)

// Registry holds every configured Provider, keyed by provider ID.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	config    *types.Config
}

func NewRegistry(config *types.Config) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		config:    config,
	}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

func (r *Registry) Get(providerID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", providerID)
	}
	return p, nil
}

func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	return providers
}

func (r *Registry) GetModel(providerID, modelID string) (*types.Model, error) {
	p, err := r.Get(providerID)
	if err != nil {
		return nil, err
	}
	for _, m := range p.Models() {
		if m.ID == modelID {
			return &m, nil
		}
	}
	return nil, fmt.Errorf("model not found: %s/%s", providerID, modelID)
}

// Resolve looks up the model named "provider/model", used both for
// the main agent model and the Classifier/Rule Engine's SmallModel.
func (r *Registry) Resolve(ref string) (Provider, *types.Model, error) {
	providerID, modelID := ParseModelString(ref)
	p, err := r.Get(providerID)
	if err != nil {
		return nil, nil, err
	}
	m, err := r.GetModel(providerID, modelID)
	if err != nil {
		return nil, nil, err
	}
	return p, m, nil
}

// ParseModelString parses "provider/model" into its two components.
func ParseModelString(s string) (providerID, modelID string) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", s
}

// InitializeProviders constructs and registers every provider named
// in config.Provider, falling back to environment-variable API keys
// for anthropic/openai when the config left them unconfigured — the
// same two-step precedence go-opencode's InitializeProviders uses.
func InitializeProviders(ctx context.Context, cfg *types.Config) (*Registry, error) {
	registry := NewRegistry(cfg)
	configured := make(map[string]bool)

	for name, pc := range cfg.Provider {
		if pc.Disable {
			continue
		}
		configured[name] = true
		apiKey, baseURL := "", ""
		if pc.Options != nil {
			apiKey, baseURL = pc.Options.APIKey, pc.Options.BaseURL
		}

		var p Provider
		var err error
		switch name {
		case "anthropic", "claude":
			if apiKey != "" {
				p, err = NewAnthropicProvider(ctx, &AnthropicConfig{ID: name, APIKey: apiKey, BaseURL: baseURL, Model: pc.Model})
			}
		case "openai":
			if apiKey != "" || baseURL != "" {
				p, err = NewOpenAIProvider(ctx, &OpenAIConfig{ID: name, APIKey: apiKey, BaseURL: baseURL, Model: pc.Model})
			}
		}
		if err != nil {
			continue
		}
		if p != nil {
			registry.Register(p)
		}
	}

	if !configured["anthropic"] {
		if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
			if p, err := NewAnthropicProvider(ctx, &AnthropicConfig{ID: "anthropic", APIKey: apiKey}); err == nil {
				registry.Register(p)
			}
		}
	}
	if !configured["openai"] {
		if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
			if p, err := NewOpenAIProvider(ctx, &OpenAIConfig{ID: "openai", APIKey: apiKey}); err == nil {
				registry.Register(p)
			}
		}
	}

	return registry, nil
}
