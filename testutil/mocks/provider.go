// Package mocks holds test doubles for the provider adapter contract.
//
// MockProvider supports fixed responses, scripted per-call outcomes,
// streaming output, and error injection.
package mocks

import (
	"context"
	"sync"

	"github.com/vmx-ai/vmx/types"
)

// MockProviderCall records one Complete invocation.
type MockProviderCall struct {
	Request    *types.CompletionRequest
	Connection *types.AIConnection
	Model      types.ModelConfig
	Error      error
}

// Outcome is one scripted result. When Err is set the call fails with it,
// otherwise Response is returned.
type Outcome struct {
	Response *types.CompletionResponse
	Err      error
}

// MockProvider is a provider.Provider test double.
type MockProvider struct {
	mu sync.Mutex

	name    string
	content string
	usage   *types.Usage
	headers map[string]string
	err     error

	streamChunks []string
	shouldStream bool

	script    []Outcome
	scriptPos int

	calls []MockProviderCall
}

// NewMockProvider creates a provider named "mock" that answers every call
// with a fixed response.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		name:    "mock",
		content: "mock response",
		usage:   &types.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}
}

// WithName overrides the provider name the registry resolves.
func (m *MockProvider) WithName(name string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	return m
}

// WithResponse sets the fixed completion content.
func (m *MockProvider) WithResponse(content string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content = content
	return m
}

// WithError makes every call fail with err.
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithUsage sets the token usage reported on responses.
func (m *MockProvider) WithUsage(prompt, completion int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = &types.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
	return m
}

// WithHeaders sets the upstream response headers returned with every
// response, e.g. rate-limit discovery headers.
func (m *MockProvider) WithHeaders(headers map[string]string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers = headers
	return m
}

// WithStreamChunks makes the provider answer with a chunk stream. Usage is
// attached to the final chunk.
func (m *MockProvider) WithStreamChunks(chunks ...string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamChunks = chunks
	m.shouldStream = true
	return m
}

// WithScript replaces the fixed behavior with a per-call outcome sequence.
// Calls past the end of the script repeat the last outcome.
func (m *MockProvider) WithScript(outcomes ...Outcome) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = outcomes
	m.scriptPos = 0
	return m
}

func (m *MockProvider) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *MockProvider) Complete(ctx context.Context, req *types.CompletionRequest, conn *types.AIConnection, model types.ModelConfig) (*types.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := func(err error) {
		m.calls = append(m.calls, MockProviderCall{Request: req, Connection: conn, Model: model, Error: err})
	}

	if len(m.script) > 0 {
		idx := m.scriptPos
		if idx >= len(m.script) {
			idx = len(m.script) - 1
		}
		m.scriptPos++
		out := m.script[idx]
		record(out.Err)
		if out.Err != nil {
			return nil, out.Err
		}
		return out.Response, nil
	}

	if m.err != nil {
		record(m.err)
		return nil, m.err
	}

	record(nil)
	if m.shouldStream {
		return &types.CompletionResponse{
			Stream:  m.buildStream(model.Model),
			Headers: copyHeaders(m.headers),
		}, nil
	}
	return &types.CompletionResponse{
		Data:    m.buildData(model.Model),
		Headers: copyHeaders(m.headers),
	}, nil
}

func (m *MockProvider) buildData(model string) *types.CompletionData {
	return &types.CompletionData{
		ID:    "mock-response-id",
		Model: model,
		Choices: []types.Choice{{
			Message:      types.Message{Role: "assistant", Content: m.content},
			FinishReason: "stop",
		}},
		Usage: m.usage,
	}
}

func (m *MockProvider) buildStream(model string) <-chan types.CompletionChunk {
	chunks := append([]string(nil), m.streamChunks...)
	usage := m.usage
	ch := make(chan types.CompletionChunk, len(chunks))
	go func() {
		defer close(ch)
		for i, content := range chunks {
			chunk := types.CompletionChunk{
				ID:    "mock-chunk-id",
				Model: model,
				Choices: []types.Choice{{
					Message: types.Message{Role: "assistant", Content: content},
				}},
			}
			if i == len(chunks)-1 {
				chunk.Choices[0].FinishReason = "stop"
				chunk.Usage = usage
			}
			ch <- chunk
		}
	}()
	return ch
}

// Calls returns a copy of the recorded invocations.
func (m *MockProvider) Calls() []MockProviderCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockProviderCall(nil), m.calls...)
}

// CallCount returns how many times Complete ran.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears recorded calls and the script position.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.scriptPos = 0
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// SuccessResponse builds a completion response with the given content and
// usage, handy for scripting.
func SuccessResponse(model, content string, prompt, completion int) *types.CompletionResponse {
	return &types.CompletionResponse{
		Data: &types.CompletionData{
			ID:    "mock-response-id",
			Model: model,
			Choices: []types.Choice{{
				Message:      types.Message{Role: "assistant", Content: content},
				FinishReason: "stop",
			}},
			Usage: &types.Usage{
				PromptTokens:     prompt,
				CompletionTokens: completion,
				TotalTokens:      prompt + completion,
			},
		},
	}
}
