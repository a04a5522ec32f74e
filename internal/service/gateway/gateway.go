// Package gateway declares the contracts of the external enrichment
// capabilities used by the message pipeline and the errors they report.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/zhouzirui/solace/backend/internal/model/chat"
	"github.com/zhouzirui/solace/backend/internal/model/mood"
	"github.com/zhouzirui/solace/backend/internal/model/persona"
)

// Transcriber 语音转文字。失败时返回 *TranscriptionError。
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// MoodClassifier 对单条消息做心情分类，错误由调用方降级为 neutral。
type MoodClassifier interface {
	Classify(ctx context.Context, text string) (mood.Tag, error)
}

// ReplyRequest carries the resolved user text and the minimal prior context.
type ReplyRequest struct {
	SessionID string
	Persona   *persona.Persona
	Text      string
	PriorMood mood.Tag
}

// ReplyGenerator 生成回复。缺少凭证返回 *ConfigurationError，其余失败返回 *GenerationError。
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, req ReplyRequest) (string, error)
}

// SynthesisRequest 描述一次语音合成。Voice 为空时使用默认音色。
type SynthesisRequest struct {
	SessionID string
	Text      string
	Voice     string
}

// Synthesizer 文字转语音，返回可播放音频的引用。
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (audioRef string, err error)
}

// TurnStore 持久化一轮对话，返回记录 id。
type TurnStore interface {
	SaveTurn(ctx context.Context, turn chat.Turn) (string, error)
}

// MoodHints 保存每个用户最近一次成功分类的心情。
type MoodHints interface {
	Remember(ctx context.Context, userID string, tag mood.Tag) error
	Latest(ctx context.Context, userID string) (mood.Tag, bool, error)
}

// ConfigurationError means a required credential or setting is missing.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// TranscriptionError is a failed or empty speech-to-text call.
type TranscriptionError struct {
	Reason string
	Err    error
}

func (e *TranscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transcription failed: %s: %v", e.Reason, e.Err)
	}
	return "transcription failed: " + e.Reason
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// GenerationError is a failed reply-generation call.
type GenerationError struct {
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generation failed: %s: %v", e.Reason, e.Err)
	}
	return "generation failed: " + e.Reason
}

func (e *GenerationError) Unwrap() error { return e.Err }

// 以下错误只用于日志分类，不会返回给调用方。
var (
	ErrEnrichmentDegraded = errors.New("enrichment degraded")
	ErrPersistenceFailed  = errors.New("persistence failed")
	ErrCrisisLogFailed    = errors.New("crisis log failed")
)

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}
