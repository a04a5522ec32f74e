// Package pipeline drives one user message through consent checks, risk scoring,
// enrichment calls and conditional persistence while keeping the transcript consistent.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zhouzirui/solace/backend/internal/analysis/risk"
	"github.com/zhouzirui/solace/backend/internal/model/chat"
	"github.com/zhouzirui/solace/backend/internal/model/consent"
	"github.com/zhouzirui/solace/backend/internal/model/mood"
	"github.com/zhouzirui/solace/backend/internal/model/persona"
	"github.com/zhouzirui/solace/backend/internal/pkg/logger"
	chatsvc "github.com/zhouzirui/solace/backend/internal/service/chat"
	crisissvc "github.com/zhouzirui/solace/backend/internal/service/crisis"
	"github.com/zhouzirui/solace/backend/internal/service/gateway"
)

const (
	defaultRunTimeout      = 2 * time.Minute
	defaultSideTaskTimeout = 10 * time.Second
)

// Sessions 提供会话与其 transcript。
type Sessions interface {
	GetSession(ctx context.Context, sessionID string) (chat.Session, error)
	Transcript(ctx context.Context, sessionID string) (*chatsvc.Transcript, error)
}

// CrisisRecorder writes the hashed detection record under a pre-assigned id.
type CrisisRecorder interface {
	RecordWithID(ctx context.Context, eventID, userID, sessionID, sourceText string, a risk.Assessment) error
}

// Interventions opens the crisis surface for a detection. OpenPending is used
// while the event write is in flight and EventRecorded reports its outcome.
type Interventions interface {
	Open(d crisissvc.Detection) crisissvc.Intervention
	OpenPending(d crisissvc.Detection) crisissvc.Intervention
	EventRecorded(ctx context.Context, eventID string, err error)
}

// Dependencies 汇总 Pipeline 的协作者。Sessions 必填，其余为空时按未配置处理。
type Dependencies struct {
	Sessions      Sessions
	Personas      persona.Store
	Consent       consent.Store
	Scorer        *risk.Scorer
	Transcriber   gateway.Transcriber
	Classifier    gateway.MoodClassifier
	Generator     gateway.ReplyGenerator
	Synthesizer   gateway.Synthesizer
	Turns         gateway.TurnStore
	MoodHints     gateway.MoodHints
	CrisisLog     CrisisRecorder
	Interventions Interventions
	Logger        *logger.Logger

	RunTimeout      time.Duration
	SideTaskTimeout time.Duration
}

// Pipeline 每个会话同一时间只允许一个 Send。
type Pipeline struct {
	deps Dependencies
	log  *logger.Logger

	mu     sync.Mutex
	guards map[string]*semaphore.Weighted
	side   sync.WaitGroup
}

func New(deps Dependencies) (*Pipeline, error) {
	if deps.Sessions == nil {
		return nil, errors.New("pipeline requires a session source")
	}
	if deps.Scorer == nil {
		deps.Scorer = risk.NewScorer(nil)
	}
	if deps.RunTimeout <= 0 {
		deps.RunTimeout = defaultRunTimeout
	}
	if deps.SideTaskTimeout <= 0 {
		deps.SideTaskTimeout = defaultSideTaskTimeout
	}
	return &Pipeline{
		deps:   deps,
		log:    logger.OrNop(deps.Logger).Named("pipeline"),
		guards: make(map[string]*semaphore.Weighted),
	}, nil
}

// acquire 占用会话的 Send 名额。释放时从 guards 中删除，map 只保存正在进行的 Send。
func (p *Pipeline) acquire(sessionID string) (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.guards[sessionID]
	if !ok {
		g = semaphore.NewWeighted(1)
		p.guards[sessionID] = g
	}
	if !g.TryAcquire(1) {
		return nil, false
	}
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		g.Release(1)
		delete(p.guards, sessionID)
	}, true
}

func (p *Pipeline) inFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.guards)
}

// Send 处理一条消息直到完成或失败。
func (p *Pipeline) Send(ctx context.Context, sessionID string, in Input) (Result, error) {
	return p.SendWithProgress(ctx, sessionID, in, nil)
}

// SendWithProgress is Send with a callback invoked on every stage transition.
// An accepted send is not cancelled by ctx; it runs until done or failed.
func (p *Pipeline) SendWithProgress(ctx context.Context, sessionID string, in Input, progress func(Stage)) (Result, error) {
	if in.Audio == nil && strings.TrimSpace(in.Text) == "" {
		return Result{}, ErrEmptyInput
	}

	session, err := p.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	transcript, err := p.deps.Sessions.Transcript(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}

	release, ok := p.acquire(sessionID)
	if !ok {
		return Result{}, ErrSendInProgress
	}
	defer release()

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.deps.RunTimeout)
	defer cancel()

	run := &Run{
		session:    session,
		transcript: transcript,
		input:      in,
		persona:    p.lookupPersona(session.PersonaID),
		Stage:      StageScoring,
	}
	if in.Audio != nil {
		run.Stage = StageTranscribing
	} else {
		run.InputText = strings.TrimSpace(in.Text)
	}

	for !run.Stage.terminal() {
		if progress != nil {
			progress(run.Stage)
		}
		run.Stage = p.step(runCtx, run)
	}
	if progress != nil {
		progress(run.Stage)
	}

	if run.Stage == StageFailed {
		p.log.Warn("send failed", "session_id", sessionID, "error", run.Err)
		return Result{}, run.Err
	}
	return Result{
		UserMessage:      run.userMessage,
		AssistantMessage: run.assistantMessage,
		Assessment:       run.assessment,
	}, nil
}

func (p *Pipeline) lookupPersona(id string) *persona.Persona {
	if p.deps.Personas == nil || id == "" {
		return nil
	}
	if found, ok := p.deps.Personas.FindByID(id); ok {
		return &found
	}
	return nil
}

func (p *Pipeline) step(ctx context.Context, run *Run) Stage {
	switch run.Stage {
	case StageTranscribing:
		return p.transcribe(ctx, run)
	case StageScoring:
		return p.score(ctx, run)
	case StageGenerating:
		return p.generate(ctx, run)
	case StageSynthesizing:
		return p.synthesize(ctx, run)
	case StagePersisting:
		return p.persist(ctx, run)
	default:
		run.Err = fmt.Errorf("unknown pipeline stage %q", run.Stage)
		return StageFailed
	}
}

func (p *Pipeline) fail(run *Run, err error) Stage {
	run.Err = err
	if run.pending != nil {
		run.pending.Revert()
		run.pending = nil
	}
	return StageFailed
}

func (p *Pipeline) consentState(ctx context.Context, userID string, flag consent.Flag) consent.State {
	state, err := consent.Read(ctx, p.deps.Consent, userID, flag)
	if err != nil {
		p.log.Warn("consent read failed, treating as unset", "user_id", userID, "flag", flag, "error", err)
	}
	return state
}

// transcribe 语音输入必须先确认 voice 授权，失败时不向 transcript 写入任何内容。
func (p *Pipeline) transcribe(ctx context.Context, run *Run) Stage {
	if p.consentState(ctx, run.session.UserID, consent.Voice) != consent.Granted {
		return p.fail(run, ErrConsentRequired)
	}
	if p.deps.Transcriber == nil {
		return p.fail(run, &gateway.TranscriptionError{Reason: "speech service not configured"})
	}

	text, err := p.deps.Transcriber.Transcribe(ctx, run.input.Audio.Data, run.input.Audio.MimeType)
	if err != nil {
		var terr *gateway.TranscriptionError
		if !errors.As(err, &terr) {
			err = &gateway.TranscriptionError{Reason: "speech recognition failed", Err: err}
		}
		return p.fail(run, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return p.fail(run, &gateway.TranscriptionError{Reason: "empty transcript"})
	}
	run.InputText = text
	return StageScoring
}

// score 同步评估风险，乐观追加用户消息，再做心情分类。
func (p *Pipeline) score(ctx context.Context, run *Run) Stage {
	run.assessment = p.deps.Scorer.Score(run.InputText)
	if run.assessment.Detected {
		p.startCrisisSideTask(ctx, run.session, run.InputText, run.assessment)
	}

	run.pending = run.transcript.Stage(chat.Message{
		SessionID: run.session.ID,
		Sender:    chat.SenderUser,
		Content:   run.InputText,
	})
	run.OptimisticMessageID = run.pending.ID()

	run.mood = mood.Neutral
	if p.deps.Classifier != nil {
		tag, err := p.deps.Classifier.Classify(ctx, run.InputText)
		if err != nil {
			p.log.Warn("mood classification degraded", "session_id", run.session.ID, "error", fmt.Errorf("%w: %v", gateway.ErrEnrichmentDegraded, err))
		} else if tag != "" {
			run.mood = tag
			p.rememberMood(ctx, run.session.UserID, tag)
		}
	}
	run.transcript.SetMood(run.OptimisticMessageID, run.mood)
	return StageGenerating
}

func (p *Pipeline) rememberMood(ctx context.Context, userID string, tag mood.Tag) {
	if p.deps.MoodHints == nil {
		return
	}
	if err := p.deps.MoodHints.Remember(ctx, userID, tag); err != nil {
		p.log.Warn("failed to cache mood", "user_id", userID, "error", err)
	}
}

// priorMood 只取最近一次已知心情，不重发历史。
func (p *Pipeline) priorMood(ctx context.Context, run *Run) mood.Tag {
	if p.deps.MoodHints != nil {
		tag, ok, err := p.deps.MoodHints.Latest(ctx, run.session.UserID)
		if err != nil {
			p.log.Warn("failed to read cached mood", "user_id", run.session.UserID, "error", err)
		} else if ok {
			return tag
		}
	}
	if run.mood != mood.Neutral {
		return run.mood
	}
	return ""
}

// generate 失败时回滚乐观消息，整个发送不做部分提交。
func (p *Pipeline) generate(ctx context.Context, run *Run) Stage {
	if p.deps.Generator == nil {
		return p.fail(run, &gateway.ConfigurationError{Reason: "reply generator not configured"})
	}
	reply, err := p.deps.Generator.GenerateReply(ctx, gateway.ReplyRequest{
		SessionID: run.session.ID,
		Persona:   run.persona,
		Text:      run.InputText,
		PriorMood: p.priorMood(ctx, run),
	})
	if err != nil {
		var cerr *gateway.ConfigurationError
		var gerr *gateway.GenerationError
		if !errors.As(err, &cerr) && !errors.As(err, &gerr) {
			err = &gateway.GenerationError{Reason: "reply generation failed", Err: err}
		}
		return p.fail(run, err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return p.fail(run, &gateway.GenerationError{Reason: "empty reply"})
	}
	run.reply = reply

	run.pending.Commit()
	for _, m := range run.transcript.Snapshot() {
		if m.ID == run.OptimisticMessageID {
			run.userMessage = m
			break
		}
	}
	run.pending = nil
	return StageSynthesizing
}

// synthesize 合成失败不影响发送。
func (p *Pipeline) synthesize(ctx context.Context, run *Run) Stage {
	if p.deps.Synthesizer == nil {
		return StagePersisting
	}
	if p.consentState(ctx, run.session.UserID, consent.Voice) != consent.Granted {
		return StagePersisting
	}
	req := gateway.SynthesisRequest{SessionID: run.session.ID, Text: run.reply}
	if run.persona != nil {
		req.Voice = run.persona.VoiceID
	}
	ref, err := p.deps.Synthesizer.Synthesize(ctx, req)
	if err != nil {
		p.log.Warn("speech synthesis degraded", "session_id", run.session.ID, "error", fmt.Errorf("%w: %v", gateway.ErrEnrichmentDegraded, err))
		return StagePersisting
	}
	run.audioRef = ref
	return StagePersisting
}

// persist 追加助手消息；只有 history 授权时才落库，落库失败只记录日志。
func (p *Pipeline) persist(ctx context.Context, run *Run) Stage {
	run.assistantMessage = run.transcript.Append(chat.Message{
		SessionID: run.session.ID,
		Sender:    chat.SenderAssistant,
		Content:   run.reply,
		MoodTag:   run.mood,
		AudioRef:  run.audioRef,
	})

	if p.deps.Turns == nil {
		return StageDone
	}
	if p.consentState(ctx, run.session.UserID, consent.History) != consent.Granted {
		return StageDone
	}
	id, err := p.deps.Turns.SaveTurn(ctx, chat.Turn{
		SessionID:  run.session.ID,
		UserID:     run.session.UserID,
		SourceText: run.InputText,
		ReplyText:  run.reply,
		MoodTag:    run.mood,
		AudioRef:   run.audioRef,
	})
	if err != nil {
		p.log.Error("turn not persisted", "session_id", run.session.ID, "error", fmt.Errorf("%w: %v", gateway.ErrPersistenceFailed, err))
		return StageDone
	}
	p.log.Debug("turn persisted", "session_id", run.session.ID, "turn_id", id)
	return StageDone
}
