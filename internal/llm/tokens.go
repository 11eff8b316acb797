package llm

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const perMessageOverhead = 4

// TokenEstimator counts tokens for history trimming. It resolves the model's
// encoding once; when no exact encoding exists it falls back to cl100k_base
// and finally to a characters-per-token heuristic.
type TokenEstimator struct {
	encoder *tiktoken.Tiktoken
	approx  bool
}

// NewTokenEstimator creates an estimator for the given model.
func NewTokenEstimator(modelID string) *TokenEstimator {
	encoder, err := tiktoken.EncodingForModel(modelID)
	if err == nil {
		return &TokenEstimator{encoder: encoder}
	}

	fallback, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &TokenEstimator{approx: true}
	}
	return &TokenEstimator{encoder: fallback, approx: true}
}

// Approximate reports whether counts come from a fallback encoding.
func (e *TokenEstimator) Approximate() bool {
	return e.approx
}

// CountText returns the token count for a plain string.
func (e *TokenEstimator) CountText(text string) int {
	if text == "" {
		return 0
	}

	if e.encoder != nil {
		return len(e.encoder.Encode(text, nil, nil))
	}

	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}

	// Rough heuristic: 1 token is about 4 characters.
	return (runes + 3) / 4
}

// CountMessage returns the token count for a message including tool metadata.
func (e *TokenEstimator) CountMessage(msg *Message) int {
	if msg == nil {
		return 0
	}

	tokens := e.CountText(msg.Content) + perMessageOverhead
	if msg.ToolID != "" {
		tokens += e.CountText(msg.ToolID)
	}
	if msg.ToolName != "" {
		tokens += e.CountText(msg.ToolName)
	}
	if len(msg.ToolCalls) > 0 {
		if data, err := json.Marshal(msg.ToolCalls); err == nil {
			tokens += e.CountText(string(data))
		}
	}
	return tokens
}

// CountMessages returns the total token count for a message slice.
func (e *TokenEstimator) CountMessages(messages []*Message) int {
	total := 0
	for _, msg := range messages {
		total += e.CountMessage(msg)
	}
	return total
}
