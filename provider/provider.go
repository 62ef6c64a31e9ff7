// Package provider defines the adapter contract between the gateway and
// upstream LLM APIs, plus the registry the orchestrator resolves against.
package provider

import (
	"context"
	"sync"

	"github.com/vmx-ai/vmx/types"
)

// Provider executes completion calls against one upstream API family.
// Implementations return a normalized response (or chunk stream) and the
// upstream response headers, and classify failures into
// *types.CompletionError so the fallback chain can tell retryable from
// terminal errors.
type Provider interface {
	// Name returns the provider identifier resources reference.
	Name() string

	// Complete performs a completion call using the connection's
	// credentials and the model from the model config.
	Complete(ctx context.Context, req *types.CompletionRequest, conn *types.AIConnection, model types.ModelConfig) (*types.CompletionResponse, error)
}

// Registry maps provider names to adapters.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider adapter.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get looks up a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}
