package llm

import (
	"context"
	"time"

	"github.com/relaychat/relay/types"
)

// ChatRequest carries one completion call's inputs.
type ChatRequest struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	Temperature float32         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
}

// StreamChunk is one element of a completion stream: a text delta, a
// terminal finish marker, or a terminal error. After a chunk with
// FinishReason or Err set, the channel closes.
type StreamChunk struct {
	Delta        string         `json:"delta,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Err          *types.AIError `json:"error,omitempty"`
}

// Provider is the raw streaming completion backend. Implementations
// send deltas on the returned channel in arrival order and close it
// after the terminal element. Errors returned or sent by a provider
// may be raw; Source normalizes them through Classify.
type Provider interface {
	// Stream starts a streaming completion request.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// Name returns the provider's identifier.
	Name() string
}
