package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zhouzirui/solace/backend/internal/model/consent"
)

type consentRecord struct {
	UserID    string        `gorm:"primaryKey;size:128"`
	Flag      consent.Flag  `gorm:"primaryKey;size:16"`
	State     consent.State `gorm:"size:16;not null"`
	UpdatedAt time.Time
}

func (consentRecord) TableName() string { return "consent_preferences" }

// ConsentStore implements consent.Store on top of the database.
type ConsentStore struct {
	db *gorm.DB
}

func NewConsentStore(db *DB) *ConsentStore {
	return &ConsentStore{db: db.DB}
}

func (s *ConsentStore) Get(ctx context.Context, userID string, flag consent.Flag) (consent.State, error) {
	if _, err := consent.ParseFlag(string(flag)); err != nil {
		return consent.Unset, err
	}
	var rec consentRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND flag = ?", userID, flag).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return consent.Unset, nil
	}
	if err != nil {
		return consent.Unset, fmt.Errorf("failed to read consent: %w", err)
	}
	return consent.ParseState(string(rec.State))
}

// Set 写入授权状态，(user_id, flag) 冲突时更新。
func (s *ConsentStore) Set(ctx context.Context, userID string, flag consent.Flag, state consent.State) error {
	if err := consent.ValidateWrite(flag, state); err != nil {
		return err
	}
	rec := consentRecord{UserID: userID, Flag: flag, State: state, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "flag"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to write consent: %w", err)
	}
	return nil
}
