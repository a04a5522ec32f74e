package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhouzirui/solace/backend/internal/analysis/risk"
	"github.com/zhouzirui/solace/backend/internal/model/chat"
	"github.com/zhouzirui/solace/backend/internal/model/consent"
	"github.com/zhouzirui/solace/backend/internal/model/crisis"
	"github.com/zhouzirui/solace/backend/internal/model/mood"
	"github.com/zhouzirui/solace/backend/internal/model/persona"
	chatsvc "github.com/zhouzirui/solace/backend/internal/service/chat"
	crisissvc "github.com/zhouzirui/solace/backend/internal/service/crisis"
	"github.com/zhouzirui/solace/backend/internal/service/gateway"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTranscriber struct {
	calls int
	text  string
	err   error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte, _ string) (string, error) {
	f.calls++
	return f.text, f.err
}

type fakeClassifier struct {
	tag mood.Tag
	err error
}

func (f *fakeClassifier) Classify(context.Context, string) (mood.Tag, error) {
	return f.tag, f.err
}

type fakeGenerator struct {
	mu       sync.Mutex
	requests []gateway.ReplyRequest
	reply    string
	err      error
	block    chan struct{}
	entered  chan struct{}
	onReply  func()
}

func (f *fakeGenerator) GenerateReply(_ context.Context, req gateway.ReplyRequest) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.onReply != nil {
		f.onReply()
	}
	return f.reply, f.err
}

type fakeSynthesizer struct {
	calls int
	voice string
	err   error
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, req gateway.SynthesisRequest) (string, error) {
	f.calls++
	f.voice = req.Voice
	if f.err != nil {
		return "", f.err
	}
	return "audio-1", nil
}

type fakeTurns struct {
	mu    sync.Mutex
	turns []chat.Turn
	err   error
}

func (f *fakeTurns) SaveTurn(_ context.Context, turn chat.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.turns = append(f.turns, turn)
	return "turn-1", nil
}

type fakeHints struct {
	mu   sync.Mutex
	tags map[string]mood.Tag
}

func (f *fakeHints) Remember(_ context.Context, userID string, tag mood.Tag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tags == nil {
		f.tags = map[string]mood.Tag{}
	}
	f.tags[userID] = tag
	return nil
}

func (f *fakeHints) Latest(_ context.Context, userID string) (mood.Tag, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tag, ok := f.tags[userID]
	return tag, ok, nil
}

type failingRecorder struct{}

func (failingRecorder) RecordWithID(context.Context, string, string, string, string, risk.Assessment) error {
	return errors.New("disk full")
}

// gatedRecorder holds every write until release is closed.
type gatedRecorder struct {
	next    CrisisRecorder
	release chan struct{}
}

func (g *gatedRecorder) RecordWithID(ctx context.Context, eventID, userID, sessionID, text string, a risk.Assessment) error {
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.next.RecordWithID(ctx, eventID, userID, sessionID, text, a)
}

type harness struct {
	pipeline    *Pipeline
	sessions    *chatsvc.Service
	session     chat.Session
	consent     *consent.MemoryStore
	transcriber *fakeTranscriber
	classifier  *fakeClassifier
	generator   *fakeGenerator
	synthesizer *fakeSynthesizer
	turns       *fakeTurns
	hints       *fakeHints
	events      *crisissvc.MemoryEventStore
	crisis      *crisissvc.Manager
}

func newHarness(t *testing.T, mutate ...func(*Dependencies)) *harness {
	t.Helper()
	personas := persona.NewMemoryStore(persona.Seed())
	h := &harness{
		sessions:    chatsvc.NewService(personas),
		consent:     consent.NewMemoryStore(),
		transcriber: &fakeTranscriber{text: "hello from voice"},
		classifier:  &fakeClassifier{tag: mood.Sad},
		generator:   &fakeGenerator{reply: "I'm here with you."},
		synthesizer: &fakeSynthesizer{},
		turns:       &fakeTurns{},
		hints:       &fakeHints{},
		events:      crisissvc.NewMemoryEventStore(),
	}
	eventLog := crisissvc.NewEventLog(h.events, nil)
	h.crisis = crisissvc.NewManager(eventLog, nil)

	deps := Dependencies{
		Sessions:      h.sessions,
		Personas:      personas,
		Consent:       h.consent,
		Transcriber:   h.transcriber,
		Classifier:    h.classifier,
		Generator:     h.generator,
		Synthesizer:   h.synthesizer,
		Turns:         h.turns,
		MoodHints:     h.hints,
		CrisisLog:     eventLog,
		Interventions: h.crisis,
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	p, err := New(deps)
	require.NoError(t, err)
	h.pipeline = p
	t.Cleanup(p.Wait)

	h.session, err = h.sessions.CreateSession(context.Background(), "u-1", "sage")
	require.NoError(t, err)
	return h
}

func (h *harness) grant(t *testing.T, flag consent.Flag, state consent.State) {
	t.Helper()
	require.NoError(t, h.consent.Set(context.Background(), "u-1", flag, state))
}

func (h *harness) transcript(t *testing.T) []chat.Message {
	t.Helper()
	msgs, err := h.sessions.LoadTranscript(context.Background(), h.session.ID)
	require.NoError(t, err)
	return msgs
}

func TestSendTextHappyPath(t *testing.T) {
	h := newHarness(t)
	h.grant(t, consent.Voice, consent.Granted)
	h.grant(t, consent.History, consent.Granted)

	var stages []Stage
	res, err := h.pipeline.SendWithProgress(context.Background(), h.session.ID, Input{Text: "  I had a long day  "}, func(s Stage) {
		stages = append(stages, s)
	})
	require.NoError(t, err)

	assert.Equal(t, []Stage{StageScoring, StageGenerating, StageSynthesizing, StagePersisting, StageDone}, stages)
	assert.Equal(t, "I had a long day", res.UserMessage.Content)
	assert.False(t, res.UserMessage.Pending)
	assert.Equal(t, mood.Sad, res.UserMessage.MoodTag)
	assert.Equal(t, "audio-1", res.AssistantMessage.AudioRef)
	assert.Equal(t, mood.Sad, res.AssistantMessage.MoodTag)
	assert.Equal(t, persona.Seed()[0].VoiceID, h.synthesizer.voice)

	msgs := h.transcript(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.SenderUser, msgs[0].Sender)
	assert.Equal(t, chat.SenderAssistant, msgs[1].Sender)

	require.Len(t, h.generator.requests, 1)
	assert.Equal(t, mood.Sad, h.generator.requests[0].PriorMood)
	require.NotNil(t, h.generator.requests[0].Persona)
	assert.Equal(t, "sage", h.generator.requests[0].Persona.ID)

	require.Len(t, h.turns.turns, 1)
	assert.Equal(t, "I had a long day", h.turns.turns[0].SourceText)
	assert.Equal(t, "audio-1", h.turns.turns[0].AudioRef)
}

func TestEmptyInputRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.pipeline.Send(context.Background(), h.session.ID, Input{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = h.pipeline.Send(context.Background(), "missing", Input{Text: "hi"})
	assert.ErrorIs(t, err, chatsvc.ErrSessionNotFound)
}

func TestAudioRequiresVoiceConsent(t *testing.T) {
	for _, state := range []consent.State{consent.Unset, consent.Denied} {
		h := newHarness(t)
		if state != consent.Unset {
			h.grant(t, consent.Voice, state)
		}
		_, err := h.pipeline.Send(context.Background(), h.session.ID, Input{Audio: &Audio{Data: []byte("pcm"), MimeType: "audio/wav"}})
		assert.ErrorIs(t, err, ErrConsentRequired)
		assert.Zero(t, h.transcriber.calls, "transcriber never invoked")
		assert.Empty(t, h.transcript(t))
	}
}

func TestAudioTranscriptionFailureAddsNothing(t *testing.T) {
	h := newHarness(t)
	h.grant(t, consent.Voice, consent.Granted)
	h.transcriber.err = errors.New("socket closed")

	var stages []Stage
	_, err := h.pipeline.SendWithProgress(context.Background(), h.session.ID, Input{Audio: &Audio{Data: []byte("pcm")}}, func(s Stage) {
		stages = append(stages, s)
	})
	var terr *gateway.TranscriptionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, []Stage{StageTranscribing, StageFailed}, stages)
	assert.Empty(t, h.transcript(t))
	assert.Empty(t, h.generator.requests)
}

func TestAudioSendUsesTranscript(t *testing.T) {
	h := newHarness(t)
	h.grant(t, consent.Voice, consent.Granted)

	res, err := h.pipeline.Send(context.Background(), h.session.ID, Input{Audio: &Audio{Data: []byte("pcm"), MimeType: "audio/wav"}})
	require.NoError(t, err)
	assert.Equal(t, 1, h.transcriber.calls)
	assert.Equal(t, "hello from voice", res.UserMessage.Content)
}

func TestGenerationFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	_, err := h.pipeline.Send(context.Background(), h.session.ID, Input{Text: "first message"})
	require.NoError(t, err)
	before := h.transcript(t)

	h.generator.err = &gateway.GenerationError{Reason: "model call failed"}
	_, err = h.pipeline.Send(context.Background(), h.session.ID, Input{Text: "second message"})
	var gerr *gateway.GenerationError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, before, h.transcript(t))
}

func TestMissingConfigurationIsFatal(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.Generator = nil })
	_, err := h.pipeline.Send(context.Background(), h.session.ID, Input{Text: "are you there?"})
	assert.True(t, gateway.IsConfiguration(err))
	assert.Empty(t, h.transcript(t))
}

func TestUntypedGeneratorErrorIsWrapped(t *testing.T) {
	h := newHarness(t)
	h.generator.err = errors.New("boom")
	_, err := h.pipeline.Send(context.Background(), h.session.ID, Input{Text: "hello there"})
	var gerr *gateway.GenerationError
	require.ErrorAs(t, err, &gerr)
	assert.Empty(t, h.transcript(t))
}

func TestPersistenceGatedByHistoryConsent(t *testing.T) {
	h := newHarness(t)
	h.grant(t, consent.History, consent.Denied)
	for i := 0; i < 3; i++ {
		_, err := h.pipeline.Send(context.Background(), h.session.ID, Input{Text: "just checking in"})
		require.NoError(t, err)
	}
	assert.Empty(t, h.turns.turns)
	assert.Len(t, h.transcript(t), 6)
}

func TestPersistenceFailureKeepsTranscript(t *testing.T) {
	h := newHarness(t)
	h.grant(t, consent.History, consent.Granted)
	h.turns.err = errors.New("db locked")

	_, err := h.pipeline.Send(context.Background(), h.session.ID, Input{Text: "keep this please"})
	require.NoError(t, err)
	assert.Len(t, h.transcript(t), 2)
}

func TestDegradedEnrichmentIsNonFatal(t *testing.T) {
	h := newHarness(t)
	h.grant(t, consent.Voice, consent.Granted)
	h.classifier.err = errors.New("classifier down")
	h.synthesizer.err = errors.New("tts down")

	res, err := h.pipeline.Send(context.Background(), h.session.ID, Input{Text: "what a strange day"})
	require.NoError(t, err)
	assert.Equal(t, mood.Neutral, res.UserMessage.MoodTag)
	assert.Empty(t, res.AssistantMessage.AudioRef)
	assert.Equal(t, 1, h.synthesizer.calls)
}

func TestSynthesisSkippedWithoutVoiceConsent(t *testing.T) {
	h := newHarness(t)
	_, err := h.pipeline.Send(context.Background(), h.session.ID, Input{Text: "hello there"})
	require.NoError(t, err)
	assert.Zero(t, h.synthesizer.calls)
}

func TestConcurrentSendRejected(t *testing.T) {
	h := newHarness(t)
	h.generator.block = make(chan struct{})
	h.generator.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Send(context.Background(), h.session.ID, Input{Text: "first in line"})
		done <- err
	}()
	<-h.generator.entered

	_, err := h.pipeline.Send(context.Background(), h.session.ID, Input{Text: "second try"})
	assert.ErrorIs(t, err, ErrSendInProgress)

	other, err := h.sessions.CreateSession(context.Background(), "u-2", "")
	require.NoError(t, err)
	h.generator.entered = nil
	close(h.generator.block)
	_, err = h.pipeline.Send(context.Background(), other.ID, Input{Text: "other session"})
	require.NoError(t, err, "guard is per session")

	require.NoError(t, <-done)
	msgs := h.transcript(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first in line", msgs[0].Content)
}

func TestCrisisDetectionOpensIntervention(t *testing.T) {
	h := newHarness(t)
	res, err := h.pipeline.Send(context.Background(), h.session.ID, Input{Text: "I want to kill myself tonight"})
	require.NoError(t, err)
	h.pipeline.Wait()

	assert.True(t, res.Assessment.Detected)
	assert.Equal(t, risk.High, res.Assessment.Level)

	view := h.crisis.Current(h.session.ID)
	assert.Equal(t, crisissvc.StateOpen, view.State)
	assert.Equal(t, risk.High, view.Severity)

	events := h.events.Events("u-1")
	require.Len(t, events, 1)
	assert.Equal(t, view.Detection.EventID, events[0].ID)
	assert.Equal(t, crisissvc.HashMessage("I want to kill myself tonight"), events[0].MessageHash)
	assert.Len(t, h.transcript(t), 2, "reply still generated")
}

func TestCrisisLogFailureDoesNotFailSend(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) { d.CrisisLog = failingRecorder{} })
	_, err := h.pipeline.Send(context.Background(), h.session.ID, Input{Text: "I don't want to live anymore"})
	require.NoError(t, err)
	h.pipeline.Wait()

	view := h.crisis.Current(h.session.ID)
	assert.Equal(t, crisissvc.StateOpen, view.State)
	require.NotNil(t, view.Detection)
	assert.NotEmpty(t, view.Detection.EventID)

	_, err = h.crisis.Dismiss(context.Background(), h.session.ID)
	require.NoError(t, err)
	assert.Empty(t, h.events.Events("u-1"))
}

func TestCrisisSurfaceOpensBeforeEventWrite(t *testing.T) {
	gate := &gatedRecorder{release: make(chan struct{})}
	h := newHarness(t, func(d *Dependencies) {
		gate.next = d.CrisisLog
		d.CrisisLog = gate
	})
	events := h.events
	var once sync.Once
	open := func() { once.Do(func() { close(gate.release) }) }
	t.Cleanup(open)

	_, err := h.pipeline.Send(context.Background(), h.session.ID, Input{Text: "I want to kill myself tonight"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return h.crisis.Current(h.session.ID).State == crisissvc.StateOpen
	}, time.Second, 5*time.Millisecond, "surface opens while the write is still blocked")
	view := h.crisis.Current(h.session.ID)
	require.NotNil(t, view.Detection)
	eventID := view.Detection.EventID
	assert.Empty(t, events.Events("u-1"))

	view, err = h.crisis.ContactHelp(context.Background(), h.session.ID)
	require.NoError(t, err)
	assert.Equal(t, crisissvc.StateClosed, view.State)

	open()
	h.pipeline.Wait()

	stored := events.Events("u-1")
	require.Len(t, stored, 1)
	assert.Equal(t, eventID, stored[0].ID)
	assert.Equal(t, crisis.ContactedHelp, stored[0].Response, "held response is attached once the event exists")
}

func TestVoiceRevokedMidSendSkipsSynthesis(t *testing.T) {
	h := newHarness(t)
	h.grant(t, consent.Voice, consent.Granted)
	h.generator.onReply = func() {
		require.NoError(t, h.consent.Set(context.Background(), "u-1", consent.Voice, consent.Denied))
	}

	res, err := h.pipeline.Send(context.Background(), h.session.ID, Input{Text: "hello there"})
	require.NoError(t, err)
	assert.Zero(t, h.synthesizer.calls)
	assert.Empty(t, res.AssistantMessage.AudioRef)
	assert.Len(t, h.transcript(t), 2)
}

func TestSendGuardsArePruned(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		other, err := h.sessions.CreateSession(context.Background(), "u-1", "")
		require.NoError(t, err)
		_, err = h.pipeline.Send(context.Background(), other.ID, Input{Text: "just checking in"})
		require.NoError(t, err)
	}
	assert.Zero(t, h.pipeline.inFlight())

	h.generator.block = make(chan struct{})
	h.generator.entered = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Send(context.Background(), h.session.ID, Input{Text: "hold on"})
		done <- err
	}()
	<-h.generator.entered
	assert.Equal(t, 1, h.pipeline.inFlight())
	close(h.generator.block)
	require.NoError(t, <-done)
	assert.Zero(t, h.pipeline.inFlight())
}

func TestAcceptedSendIgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.generator.entered = make(chan struct{}, 1)
	h.generator.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.pipeline.Send(ctx, h.session.ID, Input{Text: "don't drop me"})
		done <- err
	}()
	<-h.generator.entered
	cancel()
	close(h.generator.block)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send did not finish")
	}
	assert.Len(t, h.transcript(t), 2)
}

func TestQuickReply(t *testing.T) {
	h := newHarness(t)
	replies := QuickReplies()
	require.NotEmpty(t, replies)

	res, err := h.pipeline.SendQuickReply(context.Background(), h.session.ID, replies[0].ID)
	require.NoError(t, err)
	assert.Equal(t, replies[0].Text, res.UserMessage.Content)

	_, err = h.pipeline.SendQuickReply(context.Background(), h.session.ID, "nope")
	assert.ErrorIs(t, err, ErrUnknownReply)
}
