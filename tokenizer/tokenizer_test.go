package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vmx-ai/vmx/types"
)

func TestRequestTokensNilRequest(t *testing.T) {
	est := NewTiktokenEstimator()
	assert.Equal(t, 0, est.RequestTokens(nil))
}

func TestRequestTokensEmptyMessages(t *testing.T) {
	est := NewTiktokenEstimator()

	assert.Equal(t, 0, est.RequestTokens(&types.CompletionRequest{Model: "gpt-4o"}))
	assert.Equal(t, 128, est.RequestTokens(&types.CompletionRequest{
		Model:     "gpt-4o",
		MaxTokens: 128,
	}))
}

func TestRequestTokensIncludesReplyBudget(t *testing.T) {
	est := NewTiktokenEstimator()
	req := &types.CompletionRequest{
		Model: "gpt-4o",
		Messages: []types.Message{
			{Role: "user", Content: "hello there"},
		},
	}

	base := est.RequestTokens(req)
	assert.Greater(t, base, 0)

	req.MaxTokens = 256
	assert.Equal(t, base+256, est.RequestTokens(req))
}

func TestRequestTokensGrowsWithMessages(t *testing.T) {
	est := NewTiktokenEstimator()
	one := est.RequestTokens(&types.CompletionRequest{
		Model: "gpt-4o",
		Messages: []types.Message{
			{Role: "user", Content: "summarize the quarterly numbers"},
		},
	})
	two := est.RequestTokens(&types.CompletionRequest{
		Model: "gpt-4o",
		Messages: []types.Message{
			{Role: "user", Content: "summarize the quarterly numbers"},
			{Role: "assistant", Content: "which quarter?"},
		},
	})

	// Each message carries at least its fixed overhead.
	assert.GreaterOrEqual(t, two, one+4)
}

func TestHeuristicCount(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"ascii", "hello world!", 3},
		{"single char floors to one", "a", 1},
		{"cjk", "你好世界", 2},
		{"mixed", "你好, world", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, heuristicCount(tt.text))
		})
	}
}
