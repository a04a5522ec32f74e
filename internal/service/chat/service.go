package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/solace/backend/internal/model/chat"
	"github.com/zhouzirui/solace/backend/internal/model/persona"
)

var (
	ErrUserRequired    = errors.New("user id is required")
	ErrPersonaNotFound = errors.New("persona not found")
	ErrSessionNotFound = errors.New("session not found")
)

type sessionState struct {
	session    chat.Session
	transcript *Transcript
}

// Service keeps sessions and their transcripts in memory.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	personas persona.Store
}

// NewService creates the session service. personas may be nil, in which case
// persona ids are not validated.
func NewService(personas persona.Store) *Service {
	return &Service{
		sessions: make(map[string]*sessionState),
		personas: personas,
	}
}

// CreateSession 为用户创建会话，personaID 为空时使用默认陪伴者。
func (s *Service) CreateSession(_ context.Context, userID, personaID string) (chat.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return chat.Session{}, ErrUserRequired
	}
	personaID = strings.TrimSpace(personaID)
	if personaID == "" {
		personaID = persona.DefaultID
	}
	if s.personas != nil {
		found, ok := s.personas.Resolve(personaID)
		if !ok {
			return chat.Session{}, ErrPersonaNotFound
		}
		personaID = found.ID
	}

	session := chat.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		PersonaID: personaID,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = &sessionState{session: session, transcript: NewTranscript()}
	s.mu.Unlock()
	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	state, err := s.lookup(sessionID)
	if err != nil {
		return chat.Session{}, err
	}
	return state.session, nil
}

// Transcript returns the live transcript of a session.
func (s *Service) Transcript(_ context.Context, sessionID string) (*Transcript, error) {
	state, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return state.transcript, nil
}

// LoadTranscript returns a copy of the session's messages.
func (s *Service) LoadTranscript(ctx context.Context, sessionID string) ([]chat.Message, error) {
	t, err := s.Transcript(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return t.Snapshot(), nil
}

func (s *Service) lookup(sessionID string) (*sessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return state, nil
}
