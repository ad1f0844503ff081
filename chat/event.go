package chat

import (
	"time"

	"github.com/relaychat/relay/types"
)

// EventType discriminates the events emitted during one turn.
type EventType string

const (
	// EventChunk carries one streamed completion delta.
	EventChunk EventType = "chunk"

	// EventRetrying announces a backoff wait before the next attempt.
	// Partial text streamed during the failed attempt is discarded.
	EventRetrying EventType = "retrying"

	// EventComplete marks a successful turn; the assistant message has
	// been persisted.
	EventComplete EventType = "complete"

	// EventError marks a failed turn.
	EventError EventType = "error"
)

// Event is one element of a turn's ordered event stream: zero or more
// Chunk events per attempt, Retrying between attempts, then exactly
// one Complete or Error.
type Event struct {
	Type EventType `json:"type"`

	// Chunk is the delta text (EventChunk).
	Chunk string `json:"chunk,omitempty"`

	// Attempt is the upcoming attempt number, 1-based (EventRetrying).
	Attempt int `json:"attempt,omitempty"`

	// Delay is the jittered wait before that attempt (EventRetrying).
	Delay time.Duration `json:"delay,omitempty"`

	// Err is the classified failure (EventRetrying carries the failure
	// being retried; EventError the terminal one).
	Err *types.AIError `json:"error,omitempty"`
}
