package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/relaychat/relay/tokenizer"
	"github.com/relaychat/relay/types"
)

// GormStore is the ORM-backed local store.
type GormStore struct {
	db        *gorm.DB
	estimator tokenizer.Estimator
	logger    *zap.Logger
	locks     *convLocks
}

// NewGormStore wraps an existing gorm.DB, migrating the schema.
func NewGormStore(db *gorm.DB, est tokenizer.Estimator, logger *zap.Logger) (*GormStore, error) {
	if est == nil {
		est = tokenizer.NewHeuristic()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := db.AutoMigrate(&types.Conversation{}, &types.Message{}); err != nil {
		return nil, fmt.Errorf("migrate chat schema: %w", err)
	}

	return &GormStore{
		db:        db,
		estimator: est,
		logger:    logger.With(zap.String("component", "gorm_store")),
		locks:     newConvLocks(),
	}, nil
}

// OpenSQLite opens (or creates) a SQLite database at path and returns
// a migrated store. Use ":memory:" for tests.
func OpenSQLite(path string, est tokenizer.Estimator, logger *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return NewGormStore(db, est, logger)
}

// Append implements Store.
func (s *GormStore) Append(ctx context.Context, msg types.Message) (types.Message, error) {
	lock := s.locks.get(msg.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	msg = prepare(msg, s.estimator)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureConversation(tx, msg.ConversationID, msg.Text); err != nil {
			return err
		}
		// Insert-or-replace by id.
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&msg).Error
	})
	if err != nil {
		return types.Message{}, fmt.Errorf("append message: %w", err)
	}

	s.logger.Debug("message appended",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("role", string(msg.Role)),
		zap.Int("token_count", msg.TokenCount),
	)
	return msg, nil
}

// ensureConversation creates the conversation row on first append and
// touches UpdatedAt on every subsequent one. This is the only
// auto-create path for conversations.
func (s *GormStore) ensureConversation(tx *gorm.DB, conversationID, firstText string) error {
	var conv types.Conversation
	err := tx.First(&conv, "id = ?", conversationID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		conv = types.Conversation{
			ID:    conversationID,
			Title: deriveTitle(firstText),
		}
		return tx.Create(&conv).Error
	case err != nil:
		return err
	default:
		return tx.Model(&conv).Update("updated_at", time.Now().UnixMilli()).Error
	}
}

// BuildContext implements Store.
func (s *GormStore) BuildContext(ctx context.Context, conversationID string, maxTokens int, systemPrompt string) ([]types.Message, error) {
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
func (s *GormStore) LoadAll(ctx context.Context, conversationID string) ([]types.Message, error) {
	lock := s.locks.get(conversationID)
	lock.Lock()
	defer lock.Unlock()
	return s.loadAll(ctx, conversationID)
}

func (s *GormStore) loadAll(ctx context.Context, conversationID string) ([]types.Message, error) {
	var msgs []types.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("timestamp ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return msgs, nil
}

// Count implements Store.
func (s *GormStore) Count(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&types.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Clear implements Store.
func (s *GormStore) Clear(ctx context.Context, conversationID string) error {
	lock := s.locks.get(conversationID)
	lock.Lock()
	defer lock.Unlock()

	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Delete(&types.Message{}).Error
	if err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}

	s.logger.Info("conversation cleared", zap.String("conversation_id", conversationID))
	return nil
}

// GetConversation implements Store.
func (s *GormStore) GetConversation(ctx context.Context, conversationID string) (types.Conversation, error) {
	var conv types.Conversation
	err := s.db.WithContext(ctx).First(&conv, "id = ?", conversationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return types.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// Close implements Store.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
