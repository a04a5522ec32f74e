package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/zhouzirui/solace/backend/internal/model/chat"
)

// TurnStore 保存用户同意留存的对话轮次。
type TurnStore struct {
	db *gorm.DB
}

func NewTurnStore(db *DB) *TurnStore {
	return &TurnStore{db: db.DB}
}

// SaveTurn inserts the turn and returns its id.
func (s *TurnStore) SaveTurn(ctx context.Context, turn chat.Turn) (string, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&turn).Error; err != nil {
		return "", fmt.Errorf("failed to save turn: %w", err)
	}
	return turn.ID, nil
}

// ListTurns 按时间顺序返回某个会话已保存的轮次。
func (s *TurnStore) ListTurns(ctx context.Context, sessionID string) ([]chat.Turn, error) {
	var turns []chat.Turn
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	return turns, nil
}
