package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaychat/relay/types"
)

// fakeProvider scripts one streaming attempt.
type fakeProvider struct {
	deltas   []string
	chunkErr error // sent as a terminal error chunk after deltas
	startErr error // returned from Stream itself
	hang     bool  // never send anything after deltas
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Stream(ctx context.Context, _ *ChatRequest) (<-chan StreamChunk, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		for _, d := range f.deltas {
			select {
			case ch <- StreamChunk{Delta: d}:
			case <-ctx.Done():
				return
			}
		}
		if f.chunkErr != nil {
			select {
			case ch <- StreamChunk{Err: types.AsAIError(Classify(f.chunkErr))}:
			case <-ctx.Done():
			}
			return
		}
		if f.hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func collect(t *testing.T, ch <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var got []StreamChunk
	for chunk := range ch {
		got = append(got, chunk)
	}
	return got
}

func TestSource_ForwardsDeltasInOrder(t *testing.T) {
	src := NewSource(&fakeProvider{deltas: []string{"Hel", "lo!"}}, time.Second, zap.NewNop())

	got := collect(t, src.Stream(context.Background(), &ChatRequest{}))

	require.Len(t, got, 2)
	assert.Equal(t, "Hel", got[0].Delta)
	assert.Equal(t, "lo!", got[1].Delta)
}

func TestSource_ClassifiesStartFailure(t *testing.T) {
	src := NewSource(&fakeProvider{startErr: errors.New("dial tcp: connection refused")}, time.Second, zap.NewNop())

	got := collect(t, src.Stream(context.Background(), &ChatRequest{}))

	require.Len(t, got, 1)
	require.NotNil(t, got[0].Err)
	assert.Equal(t, types.KindNetwork, got[0].Err.Kind)
}

func TestSource_ClassifiesMidStreamFailure(t *testing.T) {
	src := NewSource(&fakeProvider{
		deltas:   []string{"partial"},
		chunkErr: errors.New("429 Too Many Requests, retry-after: 7"),
	}, time.Second, zap.NewNop())

	got := collect(t, src.Stream(context.Background(), &ChatRequest{}))

	require.Len(t, got, 2)
	assert.Equal(t, "partial", got[0].Delta)
	require.NotNil(t, got[1].Err)
	assert.Equal(t, types.KindRateLimit, got[1].Err.Kind)
	assert.Equal(t, 7, got[1].Err.RetryAfter)
}

func TestSource_TimeoutSurfacesAsTimeout(t *testing.T) {
	src := NewSource(&fakeProvider{hang: true}, 20*time.Millisecond, zap.NewNop())

	got := collect(t, src.Stream(context.Background(), &ChatRequest{}))

	require.Len(t, got, 1)
	require.NotNil(t, got[0].Err)
	assert.Equal(t, types.KindTimeout, got[0].Err.Kind)
}

func TestSource_CallerCancellationClosesWithoutTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := NewSource(&fakeProvider{hang: true}, time.Minute, zap.NewNop())

	ch := src.Stream(ctx, &ChatRequest{})
	cancel()

	select {
	case got, ok := <-ch:
		if ok {
			t.Fatalf("expected closed stream, got chunk %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not close after cancellation")
	}
}
