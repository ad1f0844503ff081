package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaychat/relay/tokenizer"
	"github.com/relaychat/relay/types"
)

// RedisStore keeps each conversation as a hash plus a list of JSON
// messages in append (chronological) order.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	estimator tokenizer.Estimator
	logger    *zap.Logger
	locks     *convLocks
}

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// NewRedisStore connects and pings the backend.
func NewRedisStore(cfg RedisConfig, est tokenizer.Estimator, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.KeyPrefix, est, logger), nil
}

// NewRedisStoreWithClient wraps an existing client (used by tests with
// miniredis).
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, est tokenizer.Estimator, logger *zap.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "relay:"
	}
	if est == nil {
		est = tokenizer.NewHeuristic()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		estimator: est,
		logger:    logger.With(zap.String("component", "redis_store")),
		locks:     newConvLocks(),
	}
}

func (s *RedisStore) convKey(id string) string { return s.keyPrefix + "conv:" + id }
func (s *RedisStore) msgsKey(id string) string { return s.keyPrefix + "msgs:" + id }

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, msg types.Message) (types.Message, error) {
	lock := s.locks.get(msg.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	msg = prepare(msg, s.estimator)

	if err := s.ensureConversation(ctx, msg.ConversationID, msg.Text); err != nil {
		return types.Message{}, err
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return types.Message{}, fmt.Errorf("encode message: %w", err)
	}

	// Insert-or-replace by id: a re-appended id overwrites in place
	// instead of duplicating. The per-conversation lock makes the
	// scan-then-set safe.
	key := s.msgsKey(msg.ConversationID)
	existing, err := s.loadAll(ctx, msg.ConversationID)
	if err != nil {
		return types.Message{}, err
	}
	for i, m := range existing {
		if m.ID == msg.ID {
			if err := s.client.LSet(ctx, key, int64(i), raw).Err(); err != nil {
				return types.Message{}, fmt.Errorf("replace message: %w", err)
			}
			return msg, nil
		}
	}
	if err := s.client.RPush(ctx, key, raw).Err(); err != nil {
		return types.Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (s *RedisStore) ensureConversation(ctx context.Context, conversationID, firstText string) error {
	key := s.convKey(conversationID)
	now := time.Now().UnixMilli()

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check conversation: %w", err)
	}
	if exists == 0 {
		return s.client.HSet(ctx, key,
			"id", conversationID,
			"title", deriveTitle(firstText),
			"created_at", now,
			"updated_at", now,
		).Err()
	}
	return s.client.HSet(ctx, key, "updated_at", now).Err()
}

// BuildContext implements Store.
func (s *RedisStore) BuildContext(ctx context.Context, conversationID string, maxTokens int, systemPrompt string) ([]types.Message, error) {
	lock := s.locks.get(conversationID)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := s.loadAll(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return buildWindow(msgs, conversationID, maxTokens, systemPrompt, s.estimator), nil
}

// LoadAll implements Store.
func (s *RedisStore) LoadAll(ctx context.Context, conversationID string) ([]types.Message, error) {
	lock := s.locks.get(conversationID)
	lock.Lock()
	defer lock.Unlock()
	return s.loadAll(ctx, conversationID)
}

func (s *RedisStore) loadAll(ctx context.Context, conversationID string) ([]types.Message, error) {
	raws, err := s.client.LRange(ctx, s.msgsKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	msgs := make([]types.Message, 0, len(raws))
	for _, raw := range raws {
		var msg types.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	// Append order is usually chronological already; sort to honor the
	// ordered-by-timestamp contract when callers backfill stamps.
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
	return msgs, nil
}

// Count implements Store.
func (s *RedisStore) Count(ctx context.Context, conversationID string) (int64, error) {
	n, err := s.client.LLen(ctx, s.msgsKey(conversationID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, conversationID string) error {
	lock := s.locks.get(conversationID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.client.Del(ctx, s.msgsKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	s.logger.Info("conversation cleared", zap.String("conversation_id", conversationID))
	return nil
}

// GetConversation implements Store.
func (s *RedisStore) GetConversation(ctx context.Context, conversationID string) (types.Conversation, error) {
	fields, err := s.client.HGetAll(ctx, s.convKey(conversationID)).Result()
	if err != nil {
		return types.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if len(fields) == 0 {
		return types.Conversation{}, ErrConversationNotFound
	}

	conv := types.Conversation{
		ID:    fields["id"],
		Title: fields["title"],
	}
	conv.CreatedAt, _ = strconv.ParseInt(fields["created_at"], 10, 64)
	conv.UpdatedAt, _ = strconv.ParseInt(fields["updated_at"], 10, 64)
	return conv, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
