package invoker

import (
	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates prompt sizes for the token metrics. GPT-4 encoding
// approximates well enough across providers.
type TokenCounter struct {
	codec tokenizer.Codec
}

func NewTokenCounter() *TokenCounter {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return &TokenCounter{}
	}
	return &TokenCounter{codec: codec}
}

// Count returns the token count for text, falling back to the 4-chars-per-
// token estimate when no codec is available.
func (tc *TokenCounter) Count(text string) int {
	if tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}
