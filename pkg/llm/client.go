// Package llm defines the chat-completion boundary used for insight
// generation and an OpenAI-compatible HTTP adapter.
package llm

import (
	"context"
	"fmt"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion call.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Usage reports token accounting as returned by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the outcome of one completion call. Text may be empty even
// on success; callers must treat that as a failed generation.
type Response struct {
	Text         string
	FinishReason string
	Usage        Usage
}

// Client issues chat-completion requests. Implementations must be safe
// for concurrent use.
type Client interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// RateLimitError reports a 429 from the backend.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Message)
}
