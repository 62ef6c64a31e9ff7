package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vmx-ai/vmx/types"
)

// OpenAIProvider talks to OpenAI-compatible chat completion APIs
// (OpenAI itself, Azure front-ends, vLLM, most router products).
type OpenAIProvider struct {
	client *http.Client
	logger *zap.Logger
}

// OpenAIOptions configures the adapter.
type OpenAIOptions struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewOpenAIProvider creates the adapter.
func NewOpenAIProvider(opts OpenAIOptions) *OpenAIProvider {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &OpenAIProvider{
		client: &http.Client{Timeout: opts.Timeout},
		logger: opts.Logger.With(zap.String("component", "provider_openai")),
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []types.Message `json:"messages"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      types.Message `json:"message"`
	Delta        types.Message `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Created int64          `json:"created"`
	Choices []openAIChoice `json:"choices"`
	Usage   *types.Usage   `json:"usage"`
	Error   *openAIError   `json:"error"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req *types.CompletionRequest, conn *types.AIConnection, model types.ModelConfig) (*types.CompletionResponse, error) {
	baseURL := conn.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/v1/chat/completions"

	body := openAIRequest{
		Model:       model.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
	if req.Stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewCompletionError(types.ErrInvalidRequest, "failed to encode request").WithCause(err).WithStatusCode(http.StatusBadRequest)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewCompletionError(types.ErrInternalError, "failed to build request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+conn.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewCompletionError(types.ErrProviderError, "provider request failed").
			WithCause(err).
			WithStatusCode(http.StatusBadGateway).
			WithRetryable(true).
			WithFailureReason("provider unreachable")
	}

	headers := flattenHeaders(resp.Header)

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.classifyHTTPError(resp, headers)
	}

	if req.Stream {
		return p.consumeStream(resp, headers), nil
	}

	defer resp.Body.Close()
	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, types.NewCompletionError(types.ErrProviderError, "failed to decode provider response").
			WithCause(err).
			WithStatusCode(http.StatusBadGateway).
			WithFailureReason("malformed provider response")
	}

	data := &types.CompletionData{
		ID:      parsed.ID,
		Model:   parsed.Model,
		Created: parsed.Created,
		Usage:   parsed.Usage,
	}
	for _, c := range parsed.Choices {
		data.Choices = append(data.Choices, types.Choice{
			Index:        c.Index,
			Message:      c.Message,
			FinishReason: c.FinishReason,
		})
	}

	return &types.CompletionResponse{Data: data, Headers: headers}, nil
}

// consumeStream turns the SSE body into a chunk channel. The channel is
// closed when the stream ends; the body is closed with it.
func (p *OpenAIProvider) consumeStream(resp *http.Response, headers map[string]string) *types.CompletionResponse {
	ch := make(chan types.CompletionChunk)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var parsed openAIResponse
			if err := json.Unmarshal([]byte(data), &parsed); err != nil {
				p.logger.Warn("skipping malformed stream chunk", zap.Error(err))
				continue
			}

			chunk := types.CompletionChunk{
				ID:      parsed.ID,
				Model:   parsed.Model,
				Created: parsed.Created,
				Usage:   parsed.Usage,
			}
			for _, c := range parsed.Choices {
				chunk.Choices = append(chunk.Choices, types.Choice{
					Index:        c.Index,
					Message:      c.Delta,
					FinishReason: c.FinishReason,
				})
			}
			ch <- chunk
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			p.logger.Warn("stream read error", zap.Error(err))
		}
	}()

	return &types.CompletionResponse{Stream: ch, Headers: headers}
}

func (p *OpenAIProvider) classifyHTTPError(resp *http.Response, headers map[string]string) *types.CompletionError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	message := fmt.Sprintf("provider returned status %d", resp.StatusCode)
	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil {
		message = parsed.Error.Message
	}

	ce := types.NewCompletionError(types.ErrProviderError, message).
		WithStatusCode(resp.StatusCode).
		WithHeaders(headers)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		ce.Rate = true
		ce.WithRetryable(true).WithFailureReason("provider rate limited")
		if delay := parseRetryAfter(resp.Header.Get("Retry-After")); delay > 0 {
			ce.WithRetryDelay(delay)
		}
	case resp.StatusCode >= 500:
		ce.WithRetryable(true).WithFailureReason("provider unavailable")
	default:
		ce.WithFailureReason("provider rejected request")
	}
	return ce
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := time.ParseDuration(value + "s"); err == nil {
		return seconds
	}
	return 0
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			flat[strings.ToLower(k)] = v[0]
		}
	}
	return flat
}
