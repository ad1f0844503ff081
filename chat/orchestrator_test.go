package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaychat/relay/llm"
	"github.com/relaychat/relay/retry"
	"github.com/relaychat/relay/store"
	"github.com/relaychat/relay/tokenizer"
	"github.com/relaychat/relay/types"
)

// scriptedSource plays back one chunk sequence per attempt. When the
// script runs out it hangs until cancellation, which lets tests hold a
// turn in flight.
type scriptedSource struct {
	mu       sync.Mutex
	attempts [][]llm.StreamChunk
	calls    int
}

func (s *scriptedSource) Stream(ctx context.Context, _ *llm.ChatRequest) <-chan llm.StreamChunk {
	s.mu.Lock()
	var script []llm.StreamChunk
	hang := s.calls >= len(s.attempts)
	if !hang {
		script = s.attempts[s.calls]
	}
	s.calls++
	s.mu.Unlock()

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		if hang {
			<-ctx.Done()
			return
		}
		for _, chunk := range script {
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (s *scriptedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.OpenSQLite(":memory:", tokenizer.NewHeuristic(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// fastPolicy keeps retry waits in the microsecond range.
func fastPolicy() *retry.Policy {
	return retry.NewPolicy(3, time.Microsecond, 8*time.Microsecond, []int{429, 500, 503})
}

func newTestOrchestrator(t *testing.T, src CompletionSource) (*Orchestrator, store.Store) {
	t.Helper()
	st := newTestStore(t)
	o := New(st, src, fastPolicy(), Config{
		ConversationID:   "conv-test",
		Model:            "gpt-4o-mini",
		MaxContextTokens: 4096,
	}, zap.NewNop(), nil)
	return o, st
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("event stream did not terminate; got %v", got)
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func TestOrchestrator_SuccessfulTurn(t *testing.T) {
	src := &scriptedSource{attempts: [][]llm.StreamChunk{
		{{Delta: "Hel"}, {Delta: "lo!"}},
	}}
	o, st := newTestOrchestrator(t, src)

	events, err := o.Send(context.Background(), "Hi")
	require.NoError(t, err)
	got := drain(t, events)

	require.Equal(t, []EventType{EventChunk, EventChunk, EventComplete}, eventTypes(got))
	assert.Equal(t, "Hel", got[0].Chunk)
	assert.Equal(t, "lo!", got[1].Chunk)

	msgs, err := st.LoadAll(context.Background(), "conv-test")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hi", msgs[0].Text)
	assert.Equal(t, types.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello!", msgs[1].Text)
}

func TestOrchestrator_RetriesThenSucceeds(t *testing.T) {
	rateLimited := llm.StreamChunk{Err: types.NewRateLimitError(1)}
	src := &scriptedSource{attempts: [][]llm.StreamChunk{
		{rateLimited},
		{rateLimited},
		{{Delta: "OK"}},
	}}
	o, st := newTestOrchestrator(t, src)

	events, err := o.Send(context.Background(), "Hi")
	require.NoError(t, err)
	got := drain(t, events)

	require.Equal(t,
		[]EventType{EventRetrying, EventRetrying, EventChunk, EventComplete},
		eventTypes(got))
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, 2, got[1].Attempt)
	assert.Equal(t, types.KindRateLimit, got[0].Err.Kind)
	assert.Equal(t, "OK", got[2].Chunk)
	assert.Equal(t, 3, src.callCount())

	// Exactly one assistant message persisted, not three.
	msgs, err := st.LoadAll(context.Background(), "conv-test")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "OK", msgs[1].Text)
}

func TestOrchestrator_ExhaustsAttempts(t *testing.T) {
	unavailable := llm.StreamChunk{Err: types.NewServiceUnavailableError("down")}
	src := &scriptedSource{attempts: [][]llm.StreamChunk{
		{unavailable}, {unavailable}, {unavailable},
	}}
	o, st := newTestOrchestrator(t, src)

	events, err := o.Send(context.Background(), "Hi")
	require.NoError(t, err)
	got := drain(t, events)

	require.Equal(t,
		[]EventType{EventRetrying, EventRetrying, EventError},
		eventTypes(got))
	assert.Equal(t, types.KindServiceUnavailable, got[2].Err.Kind)
	assert.Equal(t, 3, src.callCount(), "maxAttempts bounds the total attempts")

	msgs, err := st.LoadAll(context.Background(), "conv-test")
	require.NoError(t, err)
	require.Len(t, msgs, 1, "only the user message persists")
}

func TestOrchestrator_AuthenticationNeverRetried(t *testing.T) {
	src := &scriptedSource{attempts: [][]llm.StreamChunk{
		{{Err: types.NewAuthenticationError("bad key")}},
	}}
	o, st := newTestOrchestrator(t, src)

	events, err := o.Send(context.Background(), "Hi")
	require.NoError(t, err)
	got := drain(t, events)

	require.Equal(t, []EventType{EventError}, eventTypes(got))
	assert.Equal(t, types.KindAuthentication, got[0].Err.Kind)
	assert.Equal(t, 1, src.callCount())

	msgs, err := st.LoadAll(context.Background(), "conv-test")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
}

func TestOrchestrator_InvalidRequestNeverRetried(t *testing.T) {
	src := &scriptedSource{attempts: [][]llm.StreamChunk{
		{{Err: types.NewInvalidRequestError("bad body")}},
	}}
	o, _ := newTestOrchestrator(t, src)

	events, err := o.Send(context.Background(), "Hi")
	require.NoError(t, err)
	got := drain(t, events)

	require.Equal(t, []EventType{EventError}, eventTypes(got))
	assert.Equal(t, 1, src.callCount())
}

func TestOrchestrator_PartialTextDiscardedAcrossAttempts(t *testing.T) {
	src := &scriptedSource{attempts: [][]llm.StreamChunk{
		{{Delta: "par"}, {Err: types.NewServiceUnavailableError("mid-stream drop")}},
		{{Delta: "final"}},
	}}
	o, st := newTestOrchestrator(t, src)

	events, err := o.Send(context.Background(), "Hi")
	require.NoError(t, err)
	got := drain(t, events)

	require.Equal(t,
		[]EventType{EventChunk, EventRetrying, EventChunk, EventComplete},
		eventTypes(got))

	msgs, err := st.LoadAll(context.Background(), "conv-test")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "final", msgs[1].Text, "no partial-text splicing across attempts")
}

func TestOrchestrator_EmptyCompletionIsExplicitError(t *testing.T) {
	src := &scriptedSource{attempts: [][]llm.StreamChunk{
		{}, // clean close with zero content
	}}
	o, st := newTestOrchestrator(t, src)

	events, err := o.Send(context.Background(), "Hi")
	require.NoError(t, err)
	got := drain(t, events)

	require.Equal(t, []EventType{EventError}, eventTypes(got))
	assert.Equal(t, types.KindUnknown, got[0].Err.Kind)

	msgs, err := st.LoadAll(context.Background(), "conv-test")
	require.NoError(t, err)
	require.Len(t, msgs, 1, "empty completions are never persisted")
}

func TestOrchestrator_CancellationAbortsTurn(t *testing.T) {
	src := &scriptedSource{} // hangs immediately
	o, st := newTestOrchestrator(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := o.Send(ctx, "Hi")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	cancel()

	got := drain(t, events)
	for _, ev := range got {
		assert.NotEqual(t, EventComplete, ev.Type)
		assert.NotEqual(t, EventError, ev.Type, "cancellation closes without a terminal event")
	}

	msgs, err := st.LoadAll(context.Background(), "conv-test")
	require.NoError(t, err)
	require.Len(t, msgs, 1, "no partial assistant message persisted")
}

func TestOrchestrator_RejectsConcurrentSend(t *testing.T) {
	src := &scriptedSource{} // hangs, keeping the first turn in flight
	o, _ := newTestOrchestrator(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := o.Send(ctx, "first")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = o.Send(context.Background(), "second")
	assert.ErrorIs(t, err, ErrBusy)

	cancel()
	drain(t, events)

	// Once the turn finishes the orchestrator accepts sends again.
	ctx2, cancel2 := context.WithCancel(context.Background())
	events2, err := o.Send(ctx2, "third")
	require.NoError(t, err)
	cancel2()
	drain(t, events2)
}

func TestOrchestrator_SendWithPersonality(t *testing.T) {
	src := &scriptedSource{attempts: [][]llm.StreamChunk{
		{{Delta: "ahoy"}},
	}}
	o, _ := newTestOrchestrator(t, src)

	events, err := o.SendWith(context.Background(), "Hi", &Personality{
		Name:         "pirate",
		SystemPrompt: "Answer like a pirate.",
		Temperature:  0.9,
	})
	require.NoError(t, err)
	got := drain(t, events)

	require.Equal(t, []EventType{EventChunk, EventComplete}, eventTypes(got))
}

func TestOrchestrator_LoadHistoryAndClear(t *testing.T) {
	src := &scriptedSource{attempts: [][]llm.StreamChunk{
		{{Delta: "sure"}},
	}}
	o, st := newTestOrchestrator(t, src)
	ctx := context.Background()

	events, err := o.Send(ctx, "Hi")
	require.NoError(t, err)
	drain(t, events)

	history, err := o.LoadHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	require.NoError(t, o.Clear(ctx))
	history, err = o.LoadHistory(ctx)
	require.NoError(t, err)
	assert.Empty(t, history)

	// The conversation row survives a clear.
	_, err = st.GetConversation(ctx, "conv-test")
	assert.NoError(t, err)
}
