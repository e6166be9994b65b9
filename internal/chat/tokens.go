package chat

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// getCodec returns the cl100k_base tokenizer, loaded once.
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens returns an approximate token count for text.
func EstimateTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	c, err := getCodec()
	if err != nil {
		return 0, err
	}

	ids, _, err := c.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// TokenUsage is the estimated size of one message's text tracks.
type TokenUsage struct {
	Content   int
	Reasoning int
}

// Total returns the sum of both tracks.
func (u TokenUsage) Total() int {
	return u.Content + u.Reasoning
}

// EstimateMessageTokens estimates the content and reasoning tracks of m.
// Estimation errors count as zero.
func EstimateMessageTokens(m Message) TokenUsage {
	var u TokenUsage
	if n, err := EstimateTokens(m.Content); err == nil {
		u.Content = n
	}
	if n, err := EstimateTokens(m.ReasoningContent); err == nil {
		u.Reasoning = n
	}
	return u
}
