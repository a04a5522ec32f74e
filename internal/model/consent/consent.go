package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Flag 标识一项需要用户授权的能力。
type Flag string

const (
	// History gates retention of conversation turns.
	History Flag = "history"
	// Voice gates recording and transmitting audio.
	Voice Flag = "voice"
)

// State is the tri-state value of a consent flag.
type State string

const (
	Unset   State = "unset"
	Granted State = "granted"
	Denied  State = "denied"
)

var (
	ErrUnknownFlag  = errors.New("unknown consent flag")
	ErrInvalidState = errors.New("invalid consent state")
)

// Store 按用户、按 flag 读写授权状态。实现必须是持久的，调用方在每个决策点前重新读取。
type Store interface {
	Get(ctx context.Context, userID string, flag Flag) (State, error)
	Set(ctx context.Context, userID string, flag Flag, state State) error
}

// ParseFlag validates a flag name.
func ParseFlag(raw string) (Flag, error) {
	switch Flag(strings.ToLower(strings.TrimSpace(raw))) {
	case History:
		return History, nil
	case Voice:
		return Voice, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFlag, raw)
	}
}

// ParseState validates a state value. Unset is a valid state to read but never to write.
func ParseState(raw string) (State, error) {
	switch State(strings.ToLower(strings.TrimSpace(raw))) {
	case Unset, "":
		return Unset, nil
	case Granted:
		return Granted, nil
	case Denied:
		return Denied, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidState, raw)
	}
}

// ValidateWrite 检查一次写入是否合法：用户只能授予或拒绝。
func ValidateWrite(flag Flag, state State) error {
	if _, err := ParseFlag(string(flag)); err != nil {
		return err
	}
	if state != Granted && state != Denied {
		return fmt.Errorf("%w: cannot set %s to %q", ErrInvalidState, flag, state)
	}
	return nil
}

// Read returns the current state, treating any read failure as Unset so the
// gated feature stays blocked.
func Read(ctx context.Context, store Store, userID string, flag Flag) (State, error) {
	if store == nil {
		return Unset, nil
	}
	state, err := store.Get(ctx, userID, flag)
	if err != nil {
		return Unset, err
	}
	if state == "" {
		return Unset, nil
	}
	return state, nil
}

// Preferences 是面向界面的两项授权视图。
type Preferences struct {
	History       State `json:"history"`
	Voice         State `json:"voice"`
	PromptHistory bool  `json:"promptHistory"`
	PromptVoice   bool  `json:"promptVoice"`
}

// LoadPreferences 读取两个 flag。只有处于 Unset 时才需要弹出一次性询问。
func LoadPreferences(ctx context.Context, store Store, userID string) Preferences {
	history, _ := Read(ctx, store, userID, History)
	voice, _ := Read(ctx, store, userID, Voice)
	return Preferences{
		History:       history,
		Voice:         voice,
		PromptHistory: history == Unset,
		PromptVoice:   voice == Unset,
	}
}

// MemoryStore implements Store in memory. Used by tests and when no database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func memoryKey(userID string, flag Flag) string {
	return userID + "\x00" + string(flag)
}

func (s *MemoryStore) Get(_ context.Context, userID string, flag Flag) (State, error) {
	if _, err := ParseFlag(string(flag)); err != nil {
		return Unset, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[memoryKey(userID, flag)]
	if !ok {
		return Unset, nil
	}
	return state, nil
}

func (s *MemoryStore) Set(_ context.Context, userID string, flag Flag, state State) error {
	if err := ValidateWrite(flag, state); err != nil {
		return err
	}
	s.mu.Lock()
	s.states[memoryKey(userID, flag)] = state
	s.mu.Unlock()
	return nil
}
