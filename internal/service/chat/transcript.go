package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/solace/backend/internal/model/chat"
	"github.com/zhouzirui/solace/backend/internal/model/mood"
)

// Transcript 是一个会话的有序消息列表，只追加。
// 乐观追加分两阶段：Stage 之后必须 Commit 或 Revert。
type Transcript struct {
	mu       sync.RWMutex
	messages []chat.Message
}

func NewTranscript() *Transcript {
	return &Transcript{messages: make([]chat.Message, 0, 16)}
}

// Pending is a staged message awaiting confirmation.
type Pending struct {
	t    *Transcript
	id   string
	once sync.Once
}

func (p *Pending) ID() string { return p.id }

// Commit 确认消息，清除 pending 标记。
func (p *Pending) Commit() {
	p.once.Do(func() {
		p.t.mu.Lock()
		defer p.t.mu.Unlock()
		if i := p.t.indexLocked(p.id); i >= 0 {
			p.t.messages[i].Pending = false
		}
	})
}

// Revert 按 id 删除已暂存的消息。
func (p *Pending) Revert() {
	p.once.Do(func() {
		p.t.mu.Lock()
		defer p.t.mu.Unlock()
		if i := p.t.indexLocked(p.id); i >= 0 {
			p.t.messages = append(p.t.messages[:i], p.t.messages[i+1:]...)
		}
	})
}

func prepare(msg chat.Message) chat.Message {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return msg
}

// Stage appends msg immediately, flagged pending.
func (t *Transcript) Stage(msg chat.Message) *Pending {
	msg = prepare(msg)
	msg.Pending = true

	t.mu.Lock()
	t.messages = append(t.messages, msg)
	t.mu.Unlock()
	return &Pending{t: t, id: msg.ID}
}

// Append adds an already confirmed message.
func (t *Transcript) Append(msg chat.Message) chat.Message {
	msg = prepare(msg)
	msg.Pending = false

	t.mu.Lock()
	t.messages = append(t.messages, msg)
	t.mu.Unlock()
	return msg
}

// SetMood 是唯一允许的原地修改。
func (t *Transcript) SetMood(id string, tag mood.Tag) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexLocked(id)
	if i < 0 {
		return false
	}
	t.messages[i].MoodTag = tag
	return true
}

// Snapshot returns a copy in insertion order.
func (t *Transcript) Snapshot() []chat.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]chat.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

func (t *Transcript) indexLocked(id string) int {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}
