package pipeline

import (
	"github.com/zhouzirui/solace/backend/internal/analysis/risk"
	"github.com/zhouzirui/solace/backend/internal/model/chat"
	"github.com/zhouzirui/solace/backend/internal/model/mood"
	"github.com/zhouzirui/solace/backend/internal/model/persona"
	chatsvc "github.com/zhouzirui/solace/backend/internal/service/chat"
)

// Stage 是一次发送所处的阶段。
type Stage string

const (
	StageTranscribing Stage = "transcribing"
	StageScoring      Stage = "scoring"
	StageGenerating   Stage = "generating"
	StageSynthesizing Stage = "synthesizing"
	StagePersisting   Stage = "persisting"
	StageDone         Stage = "done"
	StageFailed       Stage = "failed"
)

func (s Stage) terminal() bool {
	return s == StageDone || s == StageFailed
}

// Audio is captured voice input.
type Audio struct {
	Data     []byte
	MimeType string
}

// Input 是一次发送的输入，Text 与 Audio 二选一。
type Input struct {
	Text  string
	Audio *Audio
}

// Run 是一次发送的瞬时状态，只存在于 Send 执行期间。
type Run struct {
	InputText           string
	OptimisticMessageID string
	Stage               Stage
	Err                 error

	session    chat.Session
	persona    *persona.Persona
	transcript *chatsvc.Transcript
	input      Input

	assessment risk.Assessment
	pending    *chatsvc.Pending
	mood       mood.Tag
	reply      string
	audioRef   string

	userMessage      chat.Message
	assistantMessage chat.Message
}

// Result describes a completed send.
type Result struct {
	UserMessage      chat.Message    `json:"userMessage"`
	AssistantMessage chat.Message    `json:"assistantMessage"`
	Assessment       risk.Assessment `json:"assessment"`
}
