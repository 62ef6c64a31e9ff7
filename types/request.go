package types

// Message is a single chat message of a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes a tool made available to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// GatewayOptions are the vmx-specific knobs riding along a completion request.
type GatewayOptions struct {
	CorrelationID       string      `json:"correlation_id,omitempty"`
	SecondaryModelIndex *int        `json:"secondary_model_index,omitempty"`
	ResourceOverrides   *AIResource `json:"resource_overrides,omitempty"`
}

// CompletionRequest is the normalized request the gateway accepts.
// Headers carries the HTTP headers of the inbound call so routing
// conditions can match on them.
type CompletionRequest struct {
	Model       string            `json:"model,omitempty"`
	Messages    []Message         `json:"messages"`
	Tools       []Tool            `json:"tools,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Headers     map[string]string `json:"-"`
	VMX         *GatewayOptions   `json:"vmx,omitempty"`
}

// LastMessage returns the final message, or a zero Message when empty.
func (r *CompletionRequest) LastMessage() Message {
	if len(r.Messages) == 0 {
		return Message{}
	}
	return r.Messages[len(r.Messages)-1]
}

// Usage holds the token accounting reported by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is a single completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// CompletionData is the normalized non-streaming provider response body.
type CompletionData struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Created int64    `json:"created"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// CompletionChunk is one element of a streaming response.
// Usage is only populated on the final chunk, when the provider reports it.
type CompletionChunk struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Created int64    `json:"created"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// CompletionResponse wraps a provider response. Exactly one of Data or
// Stream is set; Headers are the provider's response headers (used for
// rate-limit capacity discovery).
type CompletionResponse struct {
	Data    *CompletionData
	Stream  <-chan CompletionChunk
	Headers map[string]string
}

// Streaming reports whether the response carries a chunk stream.
func (r *CompletionResponse) Streaming() bool {
	return r.Stream != nil
}
