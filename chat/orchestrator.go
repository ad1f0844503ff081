package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/relaychat/relay/internal/metrics"
	"github.com/relaychat/relay/llm"
	"github.com/relaychat/relay/retry"
	"github.com/relaychat/relay/store"
	"github.com/relaychat/relay/types"
)

// ErrBusy is returned by Send when a turn is already in flight for
// this orchestrator. At most one send executes at a time.
var ErrBusy = errors.New("chat: a send is already in flight")

// CompletionSource is the normalized completion stream the
// orchestrator consumes; llm.Source implements it. Every failure
// arrives classified, and the channel terminates with either a clean
// close or a single chunk carrying Err.
type CompletionSource interface {
	Stream(ctx context.Context, req *llm.ChatRequest) <-chan llm.StreamChunk
}

// Personality selects the optional system prompt and sampling
// temperature for a turn.
type Personality struct {
	Name         string  `yaml:"name"`
	SystemPrompt string  `yaml:"system_prompt"`
	Temperature  float32 `yaml:"temperature"`
}

// Config pins the orchestrator to one conversation.
type Config struct {
	ConversationID   string
	Model            string
	MaxContextTokens int
	Personality      *Personality
}

// Orchestrator is the retry/streaming state machine for a single
// conversation. It coordinates the context store, the completion
// source, and the backoff policy to turn one user message into an
// ordered event stream.
type Orchestrator struct {
	store    store.Store
	source   CompletionSource
	policy   *retry.Policy
	logger   *zap.Logger
	observer *metrics.Collector
	cfg      Config

	inflight *semaphore.Weighted
}

// New creates an orchestrator. policy defaults to retry.DefaultPolicy
// and observer may be nil.
func New(st store.Store, src CompletionSource, policy *retry.Policy, cfg Config, logger *zap.Logger, observer *metrics.Collector) *Orchestrator {
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 4096
	}
	return &Orchestrator{
		store:    st,
		source:   src,
		policy:   policy,
		logger:   logger.With(zap.String("component", "orchestrator"), zap.String("conversation_id", cfg.ConversationID)),
		observer: observer,
		cfg:      cfg,
		inflight: semaphore.NewWeighted(1),
	}
}

// Send runs one turn with the configured personality. See SendWith.
func (o *Orchestrator) Send(ctx context.Context, userText string) (<-chan Event, error) {
	return o.SendWith(ctx, userText, o.cfg.Personality)
}

// SendWith runs one turn for userText, emitting zero or more Chunk
// events, Retrying events between attempts, and exactly one terminal
// Complete or Error. The channel closes after the terminal event, or
// without one if ctx is cancelled mid-turn. A second call while a turn
// is in flight fails with ErrBusy.
func (o *Orchestrator) SendWith(ctx context.Context, userText string, personality *Personality) (<-chan Event, error) {
	if !o.inflight.TryAcquire(1) {
		return nil, ErrBusy
	}

	events := make(chan Event)
	go func() {
		defer o.inflight.Release(1)
		defer close(events)
		o.run(ctx, userText, personality, events)
	}()
	return events, nil
}

// LoadHistory returns the persisted conversation in chronological
// order.
func (o *Orchestrator) LoadHistory(ctx context.Context) ([]types.Message, error) {
	return o.store.LoadAll(ctx, o.cfg.ConversationID)
}

// Clear deletes the conversation's messages; the conversation row
// survives.
func (o *Orchestrator) Clear(ctx context.Context) error {
	return o.store.Clear(ctx, o.cfg.ConversationID)
}

// run executes the turn state machine: Persisting -> Streaming ->
// {Retrying -> Streaming | terminal}.
func (o *Orchestrator) run(ctx context.Context, userText string, personality *Personality, events chan<- Event) {
	started := time.Now()

	// Persisting. Store failures are fatal for the turn and never
	// retried.
	if _, err := o.store.Append(ctx, types.NewUserMessage(o.cfg.ConversationID, userText)); err != nil {
		o.fail(ctx, events, types.NewUnknownError(err), started)
		return
	}

	systemPrompt := ""
	var temperature float32
	if personality != nil {
		systemPrompt = personality.SystemPrompt
		temperature = personality.Temperature
	}

	window, err := o.store.BuildContext(ctx, o.cfg.ConversationID, o.cfg.MaxContextTokens, systemPrompt)
	if err != nil {
		o.fail(ctx, events, types.NewUnknownError(err), started)
		return
	}
	o.observer.ContextWindow(len(window))

	req := &llm.ChatRequest{
		Model:       o.cfg.Model,
		Messages:    window,
		Temperature: temperature,
	}

	// Streaming. The same context snapshot is reused across attempts.
	for attempt := 0; ; attempt++ {
		buffer, failure := o.streamAttempt(ctx, req, events)
		if ctx.Err() != nil {
			return // cancelled: no terminal event, nothing persisted
		}

		if failure == nil {
			o.finish(ctx, events, buffer, started)
			return
		}

		if !o.policy.ShouldRetry(failure.RetryCode(), attempt+1) {
			o.fail(ctx, events, failure, started)
			return
		}

		// Retrying. The failed attempt's partial text is discarded.
		delay := retry.Jitter(o.policy.Backoff(attempt + 1))
		o.observer.RetryEntered(string(failure.Kind))
		o.logger.Warn("attempt failed, backing off",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.String("kind", string(failure.Kind)),
		)
		if !o.emit(ctx, events, Event{Type: EventRetrying, Attempt: attempt + 1, Delay: delay, Err: failure}) {
			return
		}
		if err := retry.Sleep(ctx, delay); err != nil {
			return
		}
	}
}

// streamAttempt consumes one completion attempt, emitting Chunk events
// in arrival order and accumulating the response buffer. It returns
// the buffer and the classified failure, nil on a clean close.
func (o *Orchestrator) streamAttempt(ctx context.Context, req *llm.ChatRequest, events chan<- Event) (string, *types.AIError) {
	buffer := ""
	for chunk := range o.source.Stream(ctx, req) {
		if chunk.Err != nil {
			return buffer, chunk.Err
		}
		if chunk.Delta == "" {
			continue
		}
		if !o.emit(ctx, events, Event{Type: EventChunk, Chunk: chunk.Delta}) {
			return buffer, nil
		}
		o.observer.ChunkDelivered()
		buffer += chunk.Delta
	}
	return buffer, nil
}

// finish persists the assembled assistant message and emits Complete.
// A stream that closed cleanly with zero accumulated text is an
// explicit failure: nothing is persisted and the turn surfaces an
// error instead of silently dropping.
func (o *Orchestrator) finish(ctx context.Context, events chan<- Event, buffer string, started time.Time) {
	if buffer == "" {
		o.fail(ctx, events, types.NewUnknownError(fmt.Errorf("model returned an empty completion")), started)
		return
	}

	if _, err := o.store.Append(ctx, types.NewAssistantMessage(o.cfg.ConversationID, buffer)); err != nil {
		o.fail(ctx, events, types.NewUnknownError(err), started)
		return
	}

	o.observer.TurnSucceeded(time.Since(started))
	o.logger.Info("turn complete", zap.Int("response_len", len(buffer)))
	o.emit(ctx, events, Event{Type: EventComplete})
}

func (o *Orchestrator) fail(ctx context.Context, events chan<- Event, aiErr *types.AIError, started time.Time) {
	o.observer.TurnFailed(string(aiErr.Kind), time.Since(started))
	o.logger.Error("turn failed",
		zap.String("kind", string(aiErr.Kind)),
		zap.Error(aiErr),
	)
	o.emit(ctx, events, Event{Type: EventError, Err: aiErr})
}

// emit delivers ev in order, aborting if the caller went away.
func (o *Orchestrator) emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
