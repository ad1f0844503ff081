package chat

import "time"

// Phase is the presentation-level lifecycle of a turn.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStreaming Phase = "streaming"
	PhaseRetrying  Phase = "retrying"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
)

// ViewState is the reduced presentation state for one turn. It lives
// entirely outside the orchestrator: the orchestrator emits events,
// and consumers fold them through Reduce.
type ViewState struct {
	Phase      Phase
	Draft      string // completion text streamed so far
	Attempt    int
	RetryDelay time.Duration
	Notice     string // user-facing error or retry text
}

// Reduce is the pure state-transition function: it returns a new copy
// of s advanced by one event and never mutates its input.
func Reduce(s ViewState, ev Event) ViewState {
	switch ev.Type {
	case EventChunk:
		s.Phase = PhaseStreaming
		s.Draft += ev.Chunk
		s.Notice = ""

	case EventRetrying:
		// The failed attempt's partial text is gone for good; reflect
		// that in the view rather than splicing attempts together.
		s.Phase = PhaseRetrying
		s.Draft = ""
		s.Attempt = ev.Attempt
		s.RetryDelay = ev.Delay
		if ev.Err != nil {
			s.Notice = ev.Err.UserMessage()
		}

	case EventComplete:
		s.Phase = PhaseDone
		s.Notice = ""

	case EventError:
		s.Phase = PhaseFailed
		s.Draft = ""
		if ev.Err != nil {
			s.Notice = ev.Err.UserMessage()
		}
	}
	return s
}
