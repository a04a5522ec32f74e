package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/solace/backend/internal/config"
	"github.com/zhouzirui/solace/backend/internal/model/mood"
	"github.com/zhouzirui/solace/backend/internal/model/persona"
	"github.com/zhouzirui/solace/backend/internal/pkg/logger"
	"github.com/zhouzirui/solace/backend/internal/service/gateway"
)

// Service 基于 eino 链生成陪伴回复。未配置凭证时仍可构造，但每次调用都返回配置错误。
type Service struct {
	chatModel model.ChatModel
	chain     compose.Runnable[map[string]any, *schema.Message]
	prompts   *PromptBuilder
	missing   string
	log       *logger.Logger
}

// NewService builds the reply chain from cfg. Missing credentials are not an
// error here; the returned Service reports a ConfigurationError on use.
func NewService(ctx context.Context, cfg config.AIConfig, log *logger.Logger) (*Service, error) {
	log = logger.OrNop(log).Named("ai")
	if !cfg.Enabled() {
		log.Warn("Ark 凭证未配置，回复生成不可用")
		return &Service{prompts: NewPromptBuilder(), missing: "ARK_API_KEY/ARK_MODEL not set", log: log}, nil
	}

	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, log)
}

// NewServiceWithModel wires an existing chat model into the reply chain.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, log *logger.Logger) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile reply chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		chain:     runnable,
		prompts:   NewPromptBuilder(),
		log:       logger.OrNop(log).Named("ai"),
	}, nil
}

// Configured 表示是否具备生成能力。
func (s *Service) Configured() bool {
	return s != nil && s.chain != nil
}

// ChatModel 返回底层模型，供心情分类复用。未配置时为 nil。
func (s *Service) ChatModel() model.ChatModel {
	if s == nil {
		return nil
	}
	return s.chatModel
}

// GenerateReply sends only the current message and the prior mood hint; the
// transcript history is not resent.
func (s *Service) GenerateReply(ctx context.Context, req gateway.ReplyRequest) (string, error) {
	if !s.Configured() {
		reason := "reply generation is not configured"
		if s != nil && s.missing != "" {
			reason = s.missing
		}
		return "", &gateway.ConfigurationError{Reason: reason}
	}

	input := map[string]any{
		"system": s.buildSystemPrompt(req.Persona, req.PriorMood),
		"query":  strings.TrimSpace(req.Text),
	}

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", &gateway.GenerationError{Reason: "request cancelled", Err: err}
		}
		return "", &gateway.GenerationError{Reason: "model call failed", Err: err}
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return "", &gateway.GenerationError{Reason: "empty reply"}
	}

	s.log.Debug("generated reply", "session", req.SessionID, "length", len(response.Content))
	return strings.TrimSpace(response.Content), nil
}

func (s *Service) buildSystemPrompt(p *persona.Persona, prior mood.Tag) string {
	base := s.prompts.BuildSystemPrompt(p)
	desc := describeMood(prior)
	if desc == "" {
		return base
	}

	var builder strings.Builder
	builder.WriteString(base)
	builder.WriteString("\n\nMost recent known mood of the user: ")
	builder.WriteString(string(prior))
	builder.WriteString(". ")
	builder.WriteString(desc)
	return builder.String()
}

func describeMood(tag mood.Tag) string {
	switch tag {
	case mood.Happy:
		return "They seemed in good spirits; match their energy without overdoing it."
	case mood.Sad:
		return "They seemed low; lead with empathy and comfort."
	case mood.Anxious:
		return "They seemed anxious; keep sentences short and grounding."
	case mood.Angry:
		return "They seemed frustrated; acknowledge it calmly before anything else."
	case mood.Stressed:
		return "They seemed stressed; avoid adding tasks unless asked."
	case mood.Lonely:
		return "They seemed lonely; emphasise that you are here and listening."
	case mood.Hopeful:
		return "They seemed hopeful; reinforce the progress they describe."
	default:
		return ""
	}
}
