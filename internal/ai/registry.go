package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type ProviderFactory func(ctx context.Context, model string, cred Credential) (StreamProvider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name, model string, cred Credential) (StreamProvider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, model, cred)
}

// Options carries the static provider endpoints from configuration.
type Options struct {
	OllamaBaseURL     string
	OllamaModel       string
	OpenRouterBaseURL string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string
	OpenAIBaseURL     string
	OpenAIModel       string
}

// NewDefaultRegistry registers ollama, openrouter and openai.
func NewDefaultRegistry(o Options) *Registry {
	reg := NewRegistry()

	reg.Register("ollama", func(_ context.Context, model string, _ Credential) (StreamProvider, error) {
		if strings.TrimSpace(model) == "" {
			model = o.OllamaModel
		}
		return NewOllamaProvider(o.OllamaBaseURL, model), nil
	})

	reg.Register("openrouter", func(_ context.Context, model string, cred Credential) (StreamProvider, error) {
		if strings.TrimSpace(cred.APIKey) == "" {
			return nil, ErrCredentialRequired
		}
		if strings.TrimSpace(model) == "" {
			model = o.OpenRouterModel
		}
		return NewOpenRouterProvider(o.OpenRouterBaseURL, cred.APIKey, model, o.OpenRouterSiteURL, o.OpenRouterAppName), nil
	})

	reg.Register("openai", func(_ context.Context, model string, cred Credential) (StreamProvider, error) {
		if strings.TrimSpace(model) == "" {
			model = o.OpenAIModel
		}
		return NewOpenAIProvider(o.OpenAIBaseURL, cred.APIKey, model)
	})

	return reg
}
