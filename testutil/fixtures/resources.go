// Package fixtures provides ready-made gateway configuration objects for
// tests: resources with fallback chains, connections, capacity rules.
package fixtures

import "github.com/vmx-ai/vmx/types"

// Tenant coordinates shared by every fixture.
const (
	WorkspaceID   = "ws-test"
	EnvironmentID = "env-test"
)

// Resource returns a minimal resource bound to the "mock" provider.
func Resource(resourceID string) *types.AIResource {
	return &types.AIResource{
		WorkspaceID:   WorkspaceID,
		EnvironmentID: EnvironmentID,
		ResourceID:    resourceID,
		Name:          resourceID,
		Model: types.ModelConfig{
			Provider:     "mock",
			Model:        "mock-model",
			ConnectionID: "conn-primary",
		},
	}
}

// ResourceWithFallbacks returns a resource whose primary model is backed by
// the given fallback models, all on the mock provider.
func ResourceWithFallbacks(resourceID string, fallbackModels ...string) *types.AIResource {
	r := Resource(resourceID)
	for _, model := range fallbackModels {
		r.FallbackModels = append(r.FallbackModels, types.ModelConfig{
			Provider:     "mock",
			Model:        model,
			ConnectionID: "conn-fallback",
		})
	}
	return r
}

// Connection returns a connection for the mock provider.
func Connection(connectionID string) *types.AIConnection {
	return &types.AIConnection{
		WorkspaceID:   WorkspaceID,
		EnvironmentID: EnvironmentID,
		ConnectionID:  connectionID,
		Provider:      "mock",
		APIKey:        "test-key",
	}
}

// ConnectionWithCapacity returns a connection carrying the given enabled
// capacity rules.
func ConnectionWithCapacity(connectionID string, rules ...types.Capacity) *types.AIConnection {
	c := Connection(connectionID)
	c.Capacity = rules
	return c
}

// CapacityRule builds an enabled rule for the period.
func CapacityRule(period types.CapacityPeriod, requests, tokens int64) types.Capacity {
	return types.Capacity{
		Period:   period,
		Requests: requests,
		Tokens:   tokens,
		Enabled:  true,
	}
}

// Request returns a one-message completion request.
func Request(content string) *types.CompletionRequest {
	return &types.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: content}},
	}
}
