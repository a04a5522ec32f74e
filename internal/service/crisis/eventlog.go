// Package crisis records risk detections and drives the intervention surface shown to the user.
package crisis

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/zhouzirui/solace/backend/internal/analysis/risk"
	"github.com/zhouzirui/solace/backend/internal/model/crisis"
	"github.com/zhouzirui/solace/backend/internal/pkg/logger"
)

var ErrNotDetected = errors.New("assessment did not detect risk")

// EventStore 是事件的持久化接口，store.CrisisEventStore 与 MemoryEventStore 均实现它。
type EventStore interface {
	Insert(ctx context.Context, event *crisis.Event) error
	UpdateResponse(ctx context.Context, userID, eventID string, response crisis.Response, at time.Time) (string, error)
}

// HashMessage returns the hex blake2b-256 digest of the normalized text.
func HashMessage(text string) string {
	sum := blake2b.Sum256([]byte(risk.Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// EventLog writes a hashed record of every detection. It does not depend on
// history consent.
type EventLog struct {
	store EventStore
	now   func() time.Time
	log   *logger.Logger
}

func NewEventLog(store EventStore, log *logger.Logger) *EventLog {
	return &EventLog{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		log:   logger.OrNop(log).Named("crisis-log"),
	}
}

// Record 写入一条检出事件并返回事件 id。原文只以摘要形式保存。
func (l *EventLog) Record(ctx context.Context, userID, sessionID, sourceText string, a risk.Assessment) (string, error) {
	id := uuid.NewString()
	if err := l.RecordWithID(ctx, id, userID, sessionID, sourceText, a); err != nil {
		return "", err
	}
	return id, nil
}

// RecordWithID is Record with a caller-assigned event id, so the id can be
// handed out before the write completes.
func (l *EventLog) RecordWithID(ctx context.Context, eventID, userID, sessionID, sourceText string, a risk.Assessment) error {
	if !a.Detected {
		return ErrNotDetected
	}
	event := &crisis.Event{
		ID:          eventID,
		UserID:      userID,
		SessionID:   sessionID,
		DetectedAt:  l.now(),
		Severity:    a.Level,
		Signals:     append([]string(nil), a.Signals...),
		Confidence:  a.Confidence,
		MessageHash: HashMessage(sourceText),
	}
	if err := l.store.Insert(ctx, event); err != nil {
		return fmt.Errorf("record crisis event: %w", err)
	}
	l.log.Info("crisis event recorded",
		"event_id", event.ID,
		"user_id", userID,
		"severity", event.Severity,
		"signals", len(event.Signals),
		"message_hash", event.MessageHash,
	)
	return nil
}

// AttachResponse 更新事件的用户处置。eventID 为空时只会落到该用户最近一条尚未关闭的事件上，
// 已 contacted_help 或 dismissed 的事件不会被改写。
func (l *EventLog) AttachResponse(ctx context.Context, userID, eventID string, response crisis.Response) error {
	id, err := l.store.UpdateResponse(ctx, userID, eventID, response, l.now())
	if err != nil {
		return fmt.Errorf("attach crisis response: %w", err)
	}
	l.log.Info("crisis response attached", "event_id", id, "user_id", userID, "response", response)
	return nil
}

// MemoryEventStore keeps events in process.
type MemoryEventStore struct {
	mu     sync.Mutex
	events []crisis.Event
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

func (s *MemoryEventStore) Insert(_ context.Context, event *crisis.Event) error {
	s.mu.Lock()
	s.events = append(s.events, *event)
	s.mu.Unlock()
	return nil
}

func (s *MemoryEventStore) UpdateResponse(_ context.Context, userID, eventID string, response crisis.Response, at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := -1
	for i := range s.events {
		e := s.events[i]
		if e.UserID != userID {
			continue
		}
		if eventID != "" {
			if e.ID == eventID {
				target = i
				break
			}
			continue
		}
		if e.Response.Closes() {
			continue
		}
		if target < 0 || !e.DetectedAt.Before(s.events[target].DetectedAt) {
			target = i
		}
	}
	if target < 0 {
		return "", crisis.ErrEventNotFound
	}
	respondedAt := at
	s.events[target].Response = response
	s.events[target].RespondedAt = &respondedAt
	return s.events[target].ID, nil
}

// Events returns the stored events for a user, most recent first.
func (s *MemoryEventStore) Events(userID string) []crisis.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crisis.Event
	for _, e := range s.events {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out
}
