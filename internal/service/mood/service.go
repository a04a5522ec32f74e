package mood

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	analysis "github.com/zhouzirui/solace/backend/internal/analysis/mood"
	moodmodel "github.com/zhouzirui/solace/backend/internal/model/mood"
	"github.com/zhouzirui/solace/backend/internal/pkg/logger"
)

// Config 控制心情分类服务的行为。
type Config struct {
	Enabled bool
}

// Service 使用大模型对单条消息做心情分类，失败时回退到关键词启发式。
type Service struct {
	enabled    bool
	classifier compose.Runnable[map[string]any, *schema.Message]
	fallback   func(text string) analysis.Decision
	log        *logger.Logger
}

// NewService 创建心情分类服务。chatModel 为空或未启用时只使用启发式。
func NewService(ctx context.Context, chatModel model.ChatModel, cfg Config, log *logger.Logger) (*Service, error) {
	svc := &Service{
		enabled:  cfg.Enabled && chatModel != nil,
		fallback: analysis.Analyze,
		log:      logger.OrNop(log).Named("mood"),
	}
	if !svc.enabled {
		return svc, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(moodSystemPrompt),
		schema.UserMessage("{message}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile mood classifier chain: %w", err)
	}
	svc.classifier = runnable
	return svc, nil
}

// Enabled 返回是否启用了大模型分类。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled && s.classifier != nil
}

// Classify returns one tag of the fixed vocabulary. Model failures degrade to
// the keyword heuristic; only a cancelled context is reported as an error.
func (s *Service) Classify(ctx context.Context, text string) (moodmodel.Tag, error) {
	if err := ctx.Err(); err != nil {
		return moodmodel.Neutral, err
	}
	if !s.Enabled() {
		return s.fallback(text).Tag, nil
	}

	msg, err := s.classifier.Invoke(ctx, map[string]any{"message": strings.TrimSpace(text)})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return moodmodel.Neutral, ctxErr
		}
		s.log.Warn("mood classifier invoke failed, use fallback", "error", err)
		return s.fallback(text).Tag, nil
	}
	if msg == nil {
		return s.fallback(text).Tag, nil
	}

	tag, err := parseClassifierOutput(msg.Content)
	if err != nil {
		s.log.Warn("mood classifier output rejected, use fallback", "error", err)
		return s.fallback(text).Tag, nil
	}
	return tag, nil
}

type classifierPayload struct {
	Mood string `json:"mood"`
}

// parseClassifierOutput 从模型输出中截取 JSON 对象并校验标签。
func parseClassifierOutput(content string) (moodmodel.Tag, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("missing json object")
	}

	var payload classifierPayload
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &payload); err != nil {
		return "", err
	}
	tag, ok := moodmodel.Parse(payload.Mood)
	if !ok {
		return "", fmt.Errorf("unknown mood tag %q", payload.Mood)
	}
	return tag, nil
}

const moodSystemPrompt = "You classify the emotional tone of a single message written by a user of a wellness companion app. " +
	"Reply with one JSON object and nothing else: {{\"mood\": \"<tag>\"}} where <tag> is exactly one of " +
	"neutral, happy, sad, anxious, angry, stressed, lonely, hopeful."
