package providers

import "roundtable/internal/ratelimit"

// Registry holds the configured providers for a discussion, keyed by
// provider id ("claude", "gpt", "gemini", "grok", or a test double).
type Registry struct {
	providers map[string]ModelProvider
	order     []string
	limiter   *ratelimit.Limiter
}

// NewRegistry returns an empty registry; callers add providers with
// Register. Every registered provider is limited to 2 requests/second
// (burst 4) against its own bucket, keyed by provider id, so one runaway
// discussion can't starve others sharing the same registry.
func NewRegistry() *Registry {
	return NewRegistryWithRateLimit(2, 4)
}

// NewRegistryWithRateLimit is NewRegistry with an explicit per-provider
// rate limit, for callers that need a tighter or looser budget than the
// default.
func NewRegistryWithRateLimit(rps float64, burst int) *Registry {
	return &Registry{
		providers: make(map[string]ModelProvider),
		limiter:   ratelimit.New(rps, burst),
	}
}

// Register adds p to the registry, wrapped in a circuit breaker with
// settings and the registry's shared rate limiter. Re-registering an id
// replaces the previous provider.
func (r *Registry) Register(p ModelProvider, settings BreakerSettings) {
	if _, exists := r.providers[p.ID()]; !exists {
		r.order = append(r.order, p.ID())
	}
	r.providers[p.ID()] = WithBreaker(WithRateLimit(p, r.limiter), settings)
}

// RegisterRaw adds p without circuit-breaker wrapping, for tests that
// want direct access to a MockProvider's scripted behavior.
func (r *Registry) RegisterRaw(p ModelProvider) {
	if _, exists := r.providers[p.ID()]; !exists {
		r.order = append(r.order, p.ID())
	}
	r.providers[p.ID()] = p
}

// Get returns the provider registered under id, or nil if absent.
func (r *Registry) Get(id string) ModelProvider {
	return r.providers[id]
}

// Enabled returns the registered provider ids in registration order.
func (r *Registry) Enabled() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
