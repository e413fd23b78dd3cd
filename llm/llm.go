// Package llm provides the minimal provider interface used by the
// dispatcher, plus the OpenAI adapter and error classification.
//
// The interface is intentionally small: a chat completion and an
// embedding call, both opaque text-in/text-out from the dispatcher's
// point of view. One Client is constructed per upstream account; the
// dispatcher owns account selection.
package llm

import "context"

// ChatMessage is a single prompt message in provider-neutral form.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes one completion call.
type ChatRequest struct {
	// Model overrides the client default when non-empty.
	Model string

	Messages []ChatMessage

	// Temperature and MaxTokens are applied when non-zero.
	Temperature float32
	MaxTokens   int
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the result of a chat call.
type Completion struct {
	Content string
	Usage   Usage
}

// Client is the per-account provider interface.
//
// Implementations must classify their failures so the dispatcher can
// distinguish transient errors (retryable) from terminal ones; see
// Classify.
type Client interface {
	// Complete generates a single chat completion.
	Complete(ctx context.Context, req *ChatRequest) (*Completion, error)

	// Embed converts text to a fixed-length embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)
}
