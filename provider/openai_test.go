package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmx-ai/vmx/types"
)

func testConnection(baseURL string) *types.AIConnection {
	return &types.AIConnection{
		ConnectionID: "conn-1",
		Provider:     "openai",
		BaseURL:      baseURL,
		APIKey:       "sk-test",
	}
}

func testRequest() *types.CompletionRequest {
	return &types.CompletionRequest{
		Model: "gpt-4o",
		Messages: []types.Message{
			{Role: "user", Content: "hello"},
		},
	}
}

func TestCompleteSendsOpenAIRequest(t *testing.T) {
	var captured openAIRequest
	var auth, contentType, path string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("x-request-id", "req-42")
		_ = json.NewEncoder(w).Encode(openAIResponse{
			ID:      "chatcmpl-1",
			Model:   "gpt-4o-2024",
			Created: 1700000000,
			Choices: []openAIChoice{
				{Index: 0, Message: types.Message{Role: "assistant", Content: "hi"}, FinishReason: "stop"},
			},
			Usage: &types.Usage{PromptTokens: 9, CompletionTokens: 1, TotalTokens: 10},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIOptions{})
	req := testRequest()
	req.MaxTokens = 64

	resp, err := p.Complete(context.Background(), req, testConnection(srv.URL), types.ModelConfig{Model: "gpt-4o"})
	require.NoError(t, err)

	assert.Equal(t, "/v1/chat/completions", path)
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "gpt-4o", captured.Model)
	assert.Equal(t, 64, captured.MaxTokens)
	assert.False(t, captured.Stream)
	assert.Nil(t, captured.StreamOptions)

	require.NotNil(t, resp.Data)
	assert.Equal(t, "chatcmpl-1", resp.Data.ID)
	assert.Equal(t, "gpt-4o-2024", resp.Data.Model)
	require.Len(t, resp.Data.Choices, 1)
	assert.Equal(t, "hi", resp.Data.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Data.Choices[0].FinishReason)
	require.NotNil(t, resp.Data.Usage)
	assert.Equal(t, 10, resp.Data.Usage.TotalTokens)
	assert.Equal(t, "req-42", resp.Headers["x-request-id"])
}

func TestCompleteStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)
		require.NotNil(t, body.StreamOptions)
		assert.True(t, body.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"id":"chatcmpl-2","choices":[{"index":0,"delta":{"role":"assistant","content":"he"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"id":"chatcmpl-2","choices":[{"index":0,"delta":{"content":"llo"},"finish_reason":"stop"}]}`+"\n\n")
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, `data: {"id":"chatcmpl-2","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2,"total_tokens":11}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIOptions{})
	req := testRequest()
	req.Stream = true

	resp, err := p.Complete(context.Background(), req, testConnection(srv.URL), types.ModelConfig{Model: "gpt-4o"})
	require.NoError(t, err)
	require.NotNil(t, resp.Stream)
	assert.Nil(t, resp.Data)

	var chunks []types.CompletionChunk
	for chunk := range resp.Stream {
		chunks = append(chunks, chunk)
	}

	// The malformed line is skipped, [DONE] ends the stream.
	require.Len(t, chunks, 3)
	assert.Equal(t, "he", chunks[0].Choices[0].Message.Content)
	assert.Equal(t, "llo", chunks[1].Choices[0].Message.Content)
	assert.Equal(t, "stop", chunks[1].Choices[0].FinishReason)
	require.NotNil(t, chunks[2].Usage)
	assert.Equal(t, 11, chunks[2].Usage.TotalTokens)
}

func TestCompleteRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limit exceeded", "type": "tokens"},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIOptions{})
	_, err := p.Complete(context.Background(), testRequest(), testConnection(srv.URL), types.ModelConfig{Model: "gpt-4o"})
	require.Error(t, err)

	ce, ok := types.AsCompletionError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, ce.StatusCode)
	assert.True(t, ce.Rate)
	assert.True(t, ce.Retryable)
	assert.Equal(t, "rate limit exceeded", ce.Message)
	assert.Equal(t, 7*time.Second, ce.RetryDelay)
	assert.Equal(t, "provider rate limited", ce.FailureReason)
}

func TestCompleteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIOptions{})
	_, err := p.Complete(context.Background(), testRequest(), testConnection(srv.URL), types.ModelConfig{Model: "gpt-4o"})

	ce, ok := types.AsCompletionError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, ce.StatusCode)
	assert.True(t, ce.Retryable)
	assert.Equal(t, "provider returned status 502", ce.Message)
}

func TestCompleteClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "invalid api key"},
		})
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIOptions{})
	_, err := p.Complete(context.Background(), testRequest(), testConnection(srv.URL), types.ModelConfig{Model: "gpt-4o"})

	ce, ok := types.AsCompletionError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, ce.StatusCode)
	assert.False(t, ce.Retryable)
	assert.Equal(t, "invalid api key", ce.Message)
}

func TestCompleteUnreachableProvider(t *testing.T) {
	p := NewOpenAIProvider(OpenAIOptions{Timeout: time.Second})
	_, err := p.Complete(context.Background(), testRequest(), testConnection("http://127.0.0.1:1"), types.ModelConfig{Model: "gpt-4o"})

	ce, ok := types.AsCompletionError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadGateway, ce.StatusCode)
	assert.True(t, ce.Retryable)
	assert.Equal(t, "provider unreachable", ce.FailureReason)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	p := NewOpenAIProvider(OpenAIOptions{})
	r.Register(p)

	got, ok := r.Get("openai")
	require.True(t, ok)
	assert.Same(t, Provider(p), got)

	_, ok = r.Get("anthropic")
	assert.False(t, ok)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("Wed, 21 Oct 2026 07:28:00 GMT"))
}
