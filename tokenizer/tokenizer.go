// Package tokenizer estimates prompt token counts for gate pre-checks.
// Estimates are reconciled against provider-reported usage after the call,
// so precision matters less than speed and availability.
package tokenizer

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/vmx-ai/vmx/types"
)

// Estimator counts the tokens a completion request will consume.
type Estimator interface {
	// RequestTokens estimates prompt tokens plus the reply budget
	// (MaxTokens) of the request.
	RequestTokens(req *types.CompletionRequest) int
}

// encodingFor maps model names to their tiktoken encoding.
var encodingFor = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

const defaultEncoding = "cl100k_base"

// TiktokenEstimator estimates tokens with tiktoken, falling back to a
// character-ratio heuristic when the encoding is unavailable (e.g. no
// cached BPE data and no network).
type TiktokenEstimator struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewTiktokenEstimator creates an estimator with lazily-loaded encodings.
func NewTiktokenEstimator() *TiktokenEstimator {
	return &TiktokenEstimator{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// RequestTokens implements Estimator.
func (e *TiktokenEstimator) RequestTokens(req *types.CompletionRequest) int {
	if req == nil {
		return 0
	}

	enc, err := e.encoding(req.Model)
	total := 0
	for _, msg := range req.Messages {
		// Per-message overhead: start/end markers plus the role.
		total += 4
		if err == nil {
			total += len(enc.Encode(msg.Content, nil, nil))
			total += len(enc.Encode(msg.Role, nil, nil))
		} else {
			total += heuristicCount(msg.Content) + heuristicCount(msg.Role)
		}
	}
	if len(req.Messages) > 0 {
		total += 3 // conversation-end overhead
	}

	total += req.MaxTokens
	return total
}

func (e *TiktokenEstimator) encoding(model string) (*tiktoken.Tiktoken, error) {
	name, ok := encodingFor[model]
	if !ok {
		for prefix, n := range encodingFor {
			if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
				name, ok = n, true
				break
			}
		}
	}
	if !ok {
		name = defaultEncoding
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.encodings[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("init tiktoken encoding %s: %w", name, err)
	}
	e.encodings[name] = enc
	return enc, nil
}

// heuristicCount approximates tokens from character counts, distinguishing
// CJK (~1.5 chars/token) from ASCII (~4 chars/token).
func heuristicCount(text string) int {
	if text == "" {
		return 0
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	estimated := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x3040 && r <= 0x30FF) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}
