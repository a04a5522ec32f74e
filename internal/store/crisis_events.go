package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zhouzirui/solace/backend/internal/model/crisis"
)

// CrisisEventStore 是危机事件的持久化实现，与聊天记录授权无关。
type CrisisEventStore struct {
	db *gorm.DB
}

func NewCrisisEventStore(db *DB) *CrisisEventStore {
	return &CrisisEventStore{db: db.DB}
}

func (s *CrisisEventStore) Insert(ctx context.Context, event *crisis.Event) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to insert crisis event: %w", err)
	}
	return nil
}

// UpdateResponse attaches a response to eventID, or to the user's most recent
// unresolved event when eventID is empty. It returns the id of the updated event.
func (s *CrisisEventStore) UpdateResponse(ctx context.Context, userID, eventID string, response crisis.Response, at time.Time) (string, error) {
	var updated string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var event crisis.Event
		query := tx.Where("user_id = ?", userID)
		if eventID != "" {
			query = query.Where("id = ?", eventID)
		} else {
			query = query.
				Where("response IS NULL OR response NOT IN ?", []string{string(crisis.ContactedHelp), string(crisis.Dismissed)}).
				Order("detected_at DESC")
		}
		if err := query.First(&event).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return crisis.ErrEventNotFound
			}
			return err
		}

		if err := tx.Model(&crisis.Event{}).
			Where("id = ?", event.ID).
			Updates(map[string]any{"response": response, "responded_at": at}).Error; err != nil {
			return err
		}
		updated = event.ID
		return nil
	})
	if err != nil {
		if errors.Is(err, crisis.ErrEventNotFound) {
			return "", err
		}
		return "", fmt.Errorf("failed to update crisis event: %w", err)
	}
	return updated, nil
}

// Latest returns the most recent event for a user.
func (s *CrisisEventStore) Latest(ctx context.Context, userID string) (crisis.Event, error) {
	var event crisis.Event
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("detected_at DESC").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return crisis.Event{}, crisis.ErrEventNotFound
	}
	if err != nil {
		return crisis.Event{}, fmt.Errorf("failed to load crisis event: %w", err)
	}
	return event, nil
}
