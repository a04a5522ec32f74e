package chat

import (
	"time"

	"github.com/zhouzirui/solace/backend/internal/model/mood"
)

// Turn 是一次用户输入与一次回复，作为可选持久化的最小单元。
type Turn struct {
	ID         string    `json:"id" gorm:"primaryKey;size:36"`
	SessionID  string    `json:"sessionId" gorm:"index;size:36"`
	UserID     string    `json:"userId" gorm:"index;size:128"`
	SourceText string    `json:"sourceText"`
	ReplyText  string    `json:"replyText"`
	MoodTag    mood.Tag  `json:"moodTag,omitempty" gorm:"size:32"`
	AudioRef   string    `json:"audioRef,omitempty" gorm:"size:64"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (Turn) TableName() string { return "conversation_turns" }
