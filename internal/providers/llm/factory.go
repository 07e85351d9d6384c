package llm

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Registry resolves model identifiers of the form "provider:model" (e.g.
// "openai:gpt-4o-mini") to clients. Clients are created once per identifier.
type Registry struct {
	mu        sync.Mutex
	factories map[string]func(model string) Client
	clients   map[string]Client
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]func(string) Client{}, clients: map[string]Client{}}
}

// Register installs a factory for a provider prefix, replacing any previous one.
func (r *Registry) Register(provider string, factory func(model string) Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(provider)] = factory
	for id := range r.clients {
		if p, _ := SplitModelID(id); p == strings.ToLower(provider) {
			delete(r.clients, id)
		}
	}
}

// Resolve returns the client for a model identifier and the provider-local model name.
func (r *Registry) Resolve(id string) (Client, string, error) {
	provider, model := SplitModelID(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		return c, model, nil
	}
	factory, ok := r.factories[provider]
	if !ok {
		return nil, "", fmt.Errorf("no provider configured for model %q", id)
	}
	c := factory(model)
	r.clients[id] = c
	return c, model, nil
}

// SplitModelID splits "provider:model". A bare name is treated as a mock model.
func SplitModelID(id string) (provider, model string) {
	id = strings.TrimSpace(id)
	if i := strings.IndexByte(id, ':'); i > 0 {
		return strings.ToLower(id[:i]), id[i+1:]
	}
	return "mock", id
}

// NewRegistryFromEnv registers providers whose API keys are present, plus the mock provider.
//   - OpenAI:    OPENAI_API_KEY, optional OPENAI_API_BASE
//   - Anthropic: ANTHROPIC_API_KEY, optional ANTHROPIC_API_URL
//   - Gemini:    GOOGLE_API_KEY
func NewRegistryFromEnv() *Registry {
	r := NewRegistry()
	r.Register("mock", func(string) Client { return &MockClient{} })
	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		base := strings.TrimRight(os.Getenv("OPENAI_API_BASE"), "/")
		r.Register("openai", func(model string) Client { return &OpenAIClient{APIKey: key, Model: model, BaseURL: base} })
	}
	if key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		r.Register("anthropic", func(model string) Client { return &AnthropicClient{APIKey: key, Model: model} })
	}
	if key := strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")); key != "" {
		r.Register("gemini", func(model string) Client { return &GeminiClient{APIKey: key, Model: model} })
	}
	return r
}

// DefaultModels lists model identifiers for configured providers in preference
// order, always ending with the mock model.
func DefaultModels() []string {
	var out []string
	if strings.TrimSpace(os.Getenv("OPENAI_API_KEY")) != "" {
		out = append(out, "openai:"+getModelWithDefault("OPENAI_MODEL", "gpt-4o-mini"))
	}
	if strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")) != "" {
		out = append(out, "anthropic:"+getModelWithDefault("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest"))
	}
	if strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")) != "" {
		out = append(out, "gemini:"+getModelWithDefault("GEMINI_MODEL", "gemini-1.5-flash"))
	}
	return append(out, "mock:default")
}

func getModelWithDefault(envKey, def string) string {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v
	}
	return def
}
