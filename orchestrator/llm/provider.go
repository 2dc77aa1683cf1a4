// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
)

// Provider is the call contract for an upstream model backend.
// Implementations must be safe for concurrent use.
//
// Complete returns either a response or an error; errors should be
// *ProviderError so the caller can tell rate limits, timeouts and server
// failures apart.
type Provider interface {
	// Name returns the provider id used in routing policies.
	Name() string

	// Type returns the backend implementation type.
	Type() ProviderType

	// Complete performs a single non-streaming call.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// StreamingProvider extends Provider with streaming support.
type StreamingProvider interface {
	Provider

	// CompleteStream calls handler for each chunk and returns the aggregated
	// response once the stream finishes.
	CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error)
}

// ProviderProfile is the static routing metadata for one provider id.
type ProviderProfile struct {
	// ID is the provider id referenced by routing policies.
	ID string `json:"id"`

	// Type is the backend implementation.
	Type ProviderType `json:"type"`

	// CostRank orders providers for the lowest-cost strategy; lower is cheaper.
	CostRank int `json:"cost_rank"`

	// CostPer1K is the blended price per 1000 tokens, compared against a
	// policy's cost ceiling.
	CostPer1K float64 `json:"cost_per_1k"`

	// Enabled providers are eligible for routing.
	Enabled bool `json:"enabled"`
}

// Registry holds provider clients and their profiles, keyed by id, in
// registration order.
type Registry struct {
	providers map[string]Provider
	profiles  map[string]ProviderProfile
	order     []string
	logger    *log.Logger
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		profiles:  make(map[string]ProviderProfile),
		logger:    log.New(os.Stdout, "[LLM_REGISTRY] ", log.LstdFlags),
	}
}

// Register adds or replaces a provider. The profile id defaults to the
// provider's name.
func (r *Registry) Register(provider Provider, profile ProviderProfile) error {
	if provider == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	if profile.ID == "" {
		profile.ID = provider.Name()
	}
	if profile.ID != provider.Name() {
		return fmt.Errorf("profile id %q does not match provider name %q", profile.ID, provider.Name())
	}
	if profile.Type == "" {
		profile.Type = provider.Type()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[profile.ID]; !exists {
		r.order = append(r.order, profile.ID)
	}
	r.providers[profile.ID] = provider
	r.profiles[profile.ID] = profile
	r.logger.Printf("Registered provider %s (type=%s, cost_rank=%d, enabled=%v)",
		profile.ID, profile.Type, profile.CostRank, profile.Enabled)
	return nil
}

// Get returns the provider registered under id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Profile returns the routing profile for id.
func (r *Registry) Profile(id string) (ProviderProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	return p, ok
}

// Profiles returns all profiles in registration order.
func (r *Registry) Profiles() []ProviderProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderProfile, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.profiles[id])
	}
	return out
}

// ListEnabled returns enabled provider ids in registration order.
func (r *Registry) ListEnabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.order {
		if r.profiles[id].Enabled {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
