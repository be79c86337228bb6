package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Profile is one configured LLM backend.
type Profile struct {
	ID          string  `yaml:"id" json:"id"`
	Model       string  `yaml:"model" json:"model"`
	BaseURL     string  `yaml:"base_url" json:"base_url"`
	APIKey      string  `yaml:"api_key" json:"-"`
	MaxTokens   int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	RPM         int     `yaml:"rpm,omitempty" json:"rpm,omitempty"`
}

// Gateway routes chat calls to providers and owns the agent-to-provider
// assignment. With no profiles configured every call lands on the mock
// provider and agents take their deterministic paths.
type Gateway struct {
	mu          sync.RWMutex
	profiles    map[string]Profile
	providers   map[string]Provider
	assignments map[string]string
	defaultID   string
	mock        Provider
	cache       *ResponseCache
	logger      *slog.Logger

	providerTimeout time.Duration
	providerRetries int
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithAssignments sets the agent-name to provider-id table.
func WithAssignments(assignments map[string]string) GatewayOption {
	return func(g *Gateway) {
		for k, v := range assignments {
			g.assignments[k] = v
		}
	}
}

// WithDefaultProvider sets the fallback provider id.
func WithDefaultProvider(id string) GatewayOption {
	return func(g *Gateway) { g.defaultID = id }
}

// WithGatewayLogger overrides the logger.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = logger }
}

// WithResponseCache memoizes identical non-streaming chat calls.
func WithResponseCache(cache *ResponseCache) GatewayOption {
	return func(g *Gateway) { g.cache = cache }
}

// WithProviderDefaults sets the HTTP timeout and retry cap applied to every
// provider built from a profile. Zero values keep the provider defaults.
func WithProviderDefaults(timeout time.Duration, maxRetries int) GatewayOption {
	return func(g *Gateway) {
		g.providerTimeout = timeout
		g.providerRetries = maxRetries
	}
}

// NewGateway builds providers for the given profiles.
func NewGateway(profiles []Profile, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		profiles:    make(map[string]Profile, len(profiles)),
		providers:   make(map[string]Provider, len(profiles)),
		assignments: make(map[string]string),
		defaultID:   MockProviderID,
		mock:        NewMockProvider(),
		logger:      slog.Default().With("component", "llm_gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	for _, p := range profiles {
		if p.ID == "" || p.ID == MockProviderID {
			continue
		}
		g.profiles[p.ID] = p
		hopts := []HTTPOption{WithProviderLogger(g.logger.With("provider", p.ID))}
		if p.RPM > 0 {
			hopts = append(hopts, WithRateLimit(p.RPM, 2))
		}
		if p.MaxTokens > 0 {
			hopts = append(hopts, WithMaxTokens(p.MaxTokens))
		}
		if g.providerTimeout > 0 {
			hopts = append(hopts, WithTimeout(g.providerTimeout))
		}
		if g.providerRetries > 0 {
			hopts = append(hopts, WithMaxAttempts(g.providerRetries))
		}
		g.providers[p.ID] = NewHTTPProvider(p.ID, p.APIKey, p.BaseURL, p.Model, hopts...)
	}
	if g.defaultID == MockProviderID && len(profiles) > 0 && profiles[0].ID != "" {
		g.defaultID = profiles[0].ID
	}
	g.logger.Info("gateway initialized",
		"profiles", len(g.profiles),
		"default", g.defaultID)
	return g
}

// Provider resolves id to a provider; unknown or empty ids get the mock.
func (g *Gateway) Provider(id string) Provider {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if id == "" {
		id = g.defaultID
	}
	if p, ok := g.providers[id]; ok {
		return p
	}
	return g.mock
}

// ProviderForAgent maps an agent name to its assigned provider id.
func (g *Gateway) ProviderForAgent(agentName string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if id, ok := g.assignments[agentName]; ok {
		if _, exists := g.providers[id]; exists || id == MockProviderID {
			return id
		}
	}
	if _, ok := g.providers[g.defaultID]; ok {
		return g.defaultID
	}
	return MockProviderID
}

// ProfileByID returns the profile for id, or nil when unknown.
func (g *Gateway) ProfileByID(id string) *Profile {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.profiles[id]; ok {
		return &p
	}
	return nil
}

// AssignProvider updates an agent's provider at runtime.
func (g *Gateway) AssignProvider(agentName, providerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.assignments[agentName] = providerID
}

// Chat routes one call; providerID "" selects the default. Retry defaults
// on.
func (g *Gateway) Chat(ctx context.Context, providerID string, req ChatRequest) (ChatResult, error) {
	if len(req.Messages) == 0 {
		return ChatResult{}, fmt.Errorf("chat: no messages")
	}
	if g.cache != nil {
		if result, ok := g.cache.Get(providerID, req); ok {
			return result, nil
		}
	}
	provider := g.Provider(providerID)
	result, err := provider.Chat(ctx, req)
	if err == nil && g.cache != nil {
		g.cache.Put(providerID, req, result)
	}
	return result, err
}

// StreamChat routes one streaming call.
func (g *Gateway) StreamChat(ctx context.Context, providerID string, req ChatRequest, onChunk func(string) error) (ChatResult, error) {
	if len(req.Messages) == 0 {
		return ChatResult{}, fmt.Errorf("stream chat: no messages")
	}
	provider := g.Provider(providerID)
	if !provider.Capabilities().CanStream {
		result, err := provider.Chat(ctx, req)
		if err != nil {
			return ChatResult{}, err
		}
		if onChunk != nil {
			if cerr := onChunk(result.Content); cerr != nil {
				return ChatResult{}, cerr
			}
		}
		return result, nil
	}
	return provider.StreamChat(ctx, req, onChunk)
}

// IsMock reports whether the agent's assigned provider is the deterministic
// one.
func (g *Gateway) IsMock(agentName string) bool {
	return g.ProviderForAgent(agentName) == MockProviderID
}
