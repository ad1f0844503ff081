// Package store persists conversations and messages and assembles
// token-budgeted context windows for completion requests.
//
// Two backends implement the same Store contract: a GORM/SQLite store
// for the local single-device case and a Redis store for deployments
// that already run one. Writes are serialized per conversation id in
// both; an append racing a context build would corrupt the pruning
// window.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaychat/relay/tokenizer"
	"github.com/relaychat/relay/types"
)

// ErrConversationNotFound is returned by GetConversation when no row
// exists for the id.
var ErrConversationNotFound = errors.New("conversation not found")

// Store is the persistence contract consumed by the chat orchestrator.
type Store interface {
	// Append persists one message, lazily creating the owning
	// conversation row and touching its UpdatedAt. The message's
	// TokenCount is computed here, exactly once; a blank ID gets a
	// generated one and a zero Timestamp gets the current clock.
	Append(ctx context.Context, msg types.Message) (types.Message, error)

	// BuildContext returns the conversation's messages in
	// chronological order, pruned from the oldest end so the summed
	// TokenCount fits maxTokens. A non-empty systemPrompt has its
	// estimated cost reserved from the budget first and is prepended
	// as a synthetic, never-persisted system message.
	BuildContext(ctx context.Context, conversationID string, maxTokens int, systemPrompt string) ([]types.Message, error)

	// LoadAll returns every persisted message for the conversation in
	// chronological order, without pruning.
	LoadAll(ctx context.Context, conversationID string) ([]types.Message, error)

	// Count returns the number of persisted messages.
	Count(ctx context.Context, conversationID string) (int64, error)

	// Clear deletes all messages for the conversation. The
	// conversation row itself survives.
	Clear(ctx context.Context, conversationID string) error

	// GetConversation fetches the conversation row, or
	// ErrConversationNotFound.
	GetConversation(ctx context.Context, conversationID string) (types.Conversation, error)

	// Close releases the backend.
	Close() error
}

// maxDerivedTitleLen caps conversation titles derived from the first
// message.
const maxDerivedTitleLen = 48

// deriveTitle builds a conversation title from its first message.
func deriveTitle(text string) string {
	title := strings.TrimSpace(text)
	if title == "" {
		return "New conversation"
	}
	if len(title) > maxDerivedTitleLen {
		title = strings.TrimSpace(title[:maxDerivedTitleLen]) + "…"
	}
	return title
}

// prepare normalizes a message for persistence: id, timestamp, token
// count. Streaming never survives persistence.
func prepare(msg types.Message, est tokenizer.Estimator) types.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	msg.TokenCount = est.Estimate(msg.Text)
	msg.Streaming = false
	return msg
}

// pruneToBudget keeps the newest suffix of msgs whose summed
// TokenCount fits budget, preserving chronological order. The walk is
// newest-backward; the first message that would overflow the running
// total is excluded along with everything older.
func pruneToBudget(msgs []types.Message, budget int) []types.Message {
	if budget <= 0 {
		return nil
	}

	total := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if total+msgs[i].TokenCount > budget {
			break
		}
		total += msgs[i].TokenCount
		start = i
	}
	return msgs[start:]
}

// buildWindow applies the shared BuildContext semantics on top of a
// backend's LoadAll result.
func buildWindow(msgs []types.Message, conversationID string, maxTokens int, systemPrompt string, est tokenizer.Estimator) []types.Message {
	budget := maxTokens
	if systemPrompt != "" {
		budget -= est.Estimate(systemPrompt)
	}

	kept := pruneToBudget(msgs, budget)

	if systemPrompt == "" {
		return kept
	}
	window := make([]types.Message, 0, len(kept)+1)
	system := types.NewSystemMessage(conversationID, systemPrompt)
	system.TokenCount = est.Estimate(systemPrompt)
	window = append(window, system)
	return append(window, kept...)
}

// convLocks serializes writes per conversation id.
type convLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newConvLocks() *convLocks {
	return &convLocks{locks: make(map[string]*sync.Mutex)}
}

func (c *convLocks) get(conversationID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[conversationID] = l
	}
	return l
}
