package speech

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/zhouzirui/solace/backend/internal/config"
	"github.com/zhouzirui/solace/backend/internal/pkg/logger"
	"github.com/zhouzirui/solace/backend/internal/service/gateway"
)

// Service 组合火山引擎识别与合成，分别实现 gateway.Transcriber 与 gateway.Synthesizer。
type Service struct {
	cfg   config.SpeechConfig
	asr   *asrClient
	tts   *ttsClient
	audio *AudioStore
	log   *logger.Logger
}

// NewService creates the speech service. audio receives synthesized clips.
func NewService(cfg config.SpeechConfig, audio *AudioStore, log *logger.Logger) *Service {
	log = logger.OrNop(log).Named("speech")
	if audio == nil {
		audio = NewAudioStore(0, 0)
	}
	return &Service{
		cfg:   cfg,
		asr:   newASRClient(cfg, log),
		tts:   newTTSClient(cfg, log),
		audio: audio,
		log:   log,
	}
}

// Audio exposes the clip store for playback handlers.
func (s *Service) Audio() *AudioStore {
	return s.audio
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// Transcribe 将一段录音转为文字。任何失败都以 *gateway.TranscriptionError 返回。
func (s *Service) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if !s.cfg.Enabled {
		return "", &gateway.TranscriptionError{Reason: "speech service not configured"}
	}
	if len(audio) == 0 {
		return "", &gateway.TranscriptionError{Reason: "no audio captured"}
	}
	format, ok := formatFromMIME(mimeType)
	if !ok {
		return "", &gateway.TranscriptionError{Reason: "unsupported audio format " + mimeType}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	connectID := uuid.NewString()
	text, err := s.asr.transcribe(ctx, connectID, audio, format)
	if err != nil {
		reason := "speech recognition failed"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "speech recognition timed out"
		}
		return "", &gateway.TranscriptionError{Reason: reason, Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return "", &gateway.TranscriptionError{Reason: "empty transcript"}
	}

	s.log.Debug("transcribed audio", "connect_id", connectID, "bytes", len(audio), "format", format.name)
	return text, nil
}

// Synthesize 合成语音并存入 AudioStore，返回引用。
func (s *Service) Synthesize(ctx context.Context, req gateway.SynthesisRequest) (string, error) {
	if !s.cfg.Enabled {
		return "", errors.New("speech service not configured")
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return "", errors.New("TTS text is empty")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.tts.synthesize(ctx, uuid.NewString(), strings.TrimSpace(req.Voice), text)
	if err != nil {
		return "", err
	}
	s.log.Debug("synthesized reply", "session", req.SessionID, "bytes", len(data))
	return s.audio.Put(data, s.cfg.TTSFormat), nil
}
