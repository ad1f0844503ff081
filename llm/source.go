package llm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/relaychat/relay/types"
)

// DefaultStreamTimeout bounds one completion attempt end to end.
const DefaultStreamTimeout = 60 * time.Second

// Source wraps a raw Provider into the normalized completion stream
// the orchestrator consumes: every attempt runs under a wall-clock
// timeout, every failure crosses the boundary already classified, and
// the returned channel always terminates with either a clean close or
// a single chunk carrying Err.
type Source struct {
	provider Provider
	timeout  time.Duration
	logger   *zap.Logger
}

// NewSource creates a completion source. A non-positive timeout falls
// back to DefaultStreamTimeout.
func NewSource(provider Provider, timeout time.Duration, logger *zap.Logger) *Source {
	if timeout <= 0 {
		timeout = DefaultStreamTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		provider: provider,
		timeout:  timeout,
		logger:   logger.With(zap.String("component", "completion_source")),
	}
}

// Stream runs one completion attempt. Deltas are forwarded in arrival
// order. Timeout expiry surfaces as a terminal Timeout error chunk no
// matter what the provider reported; caller cancellation closes the
// stream without a terminal chunk.
func (s *Source) Stream(ctx context.Context, req *ChatRequest) <-chan StreamChunk {
	out := make(chan StreamChunk)

	go func() {
		defer close(out)

		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		upstream, err := s.provider.Stream(attemptCtx, req)
		if err != nil {
			s.emitTerminal(ctx, out, s.classifyAttempt(attemptCtx, err))
			return
		}

		for {
			select {
			case <-attemptCtx.Done():
				if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
					s.emitTerminal(ctx, out, types.NewTimeoutError())
				}
				return

			case chunk, ok := <-upstream:
				if !ok {
					return // clean terminal close
				}
				if chunk.Err != nil {
					s.emitTerminal(ctx, out, s.classifyAttempt(attemptCtx, chunk.Err))
					return
				}

				select {
				case out <- chunk:
				case <-attemptCtx.Done():
					if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
						s.emitTerminal(ctx, out, types.NewTimeoutError())
					}
					return
				}

				if chunk.FinishReason != "" {
					return
				}
			}
		}
	}()

	return out
}

// classifyAttempt maps a raw failure through Classify, forcing Timeout
// when the attempt deadline has already expired.
func (s *Source) classifyAttempt(attemptCtx context.Context, err error) *types.AIError {
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return types.NewTimeoutError().WithCause(err)
	}
	classified := Classify(err)
	s.logger.Debug("completion attempt failed",
		zap.String("provider", s.provider.Name()),
		zap.String("kind", string(classified.Kind)),
		zap.Error(err),
	)
	return classified
}

func (s *Source) emitTerminal(ctx context.Context, out chan<- StreamChunk, aiErr *types.AIError) {
	select {
	case out <- StreamChunk{Err: aiErr}:
	case <-ctx.Done():
	}
}
