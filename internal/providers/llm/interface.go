package llm

import (
	"context"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Client is implemented by every provider. Implementations make exactly one
// attempt per call; retries and fallback belong to the router.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
