package chat

import (
	"time"

	"github.com/zhouzirui/solace/backend/internal/model/mood"
)

// Sender 标识消息来源。
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Message is one entry of a session transcript. Pending marks a user message
// that was appended optimistically and is not yet confirmed.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	MoodTag   mood.Tag  `json:"moodTag,omitempty"`
	AudioRef  string    `json:"audioRef,omitempty"`
	Pending   bool      `json:"pending,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
