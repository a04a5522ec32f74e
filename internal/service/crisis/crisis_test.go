package crisis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/solace/backend/internal/analysis/risk"
	"github.com/zhouzirui/solace/backend/internal/model/crisis"
)

func TestHashMessageNormalizesAndHidesText(t *testing.T) {
	a := HashMessage("  I want to DIE ")
	b := HashMessage("i want to die")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotContains(t, a, "die")
	assert.NotEqual(t, a, HashMessage("i want to live"))
}

func TestEventLogRecordAndAttach(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()
	log := NewEventLog(store, nil)
	clock := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	log.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	assessment := risk.NewScorer(nil).Score("I want to kill myself tonight")
	require.True(t, assessment.Detected)

	first, err := log.Record(ctx, "u-1", "s-1", "I want to kill myself tonight", assessment)
	require.NoError(t, err)
	second, err := log.Record(ctx, "u-1", "s-1", "I feel hopeless and worthless today", risk.Assessment{Detected: true, Level: risk.Low, Signals: []string{"hopeless"}})
	require.NoError(t, err)

	events := store.Events("u-1")
	require.Len(t, events, 2)
	assert.Equal(t, second, events[0].ID)
	assert.Equal(t, risk.High, events[1].Severity)
	assert.Equal(t, HashMessage("I want to kill myself tonight"), events[1].MessageHash)

	// 未给 id 时落到最近的事件
	require.NoError(t, log.AttachResponse(ctx, "u-1", "", crisis.Dismissed))
	require.NoError(t, log.AttachResponse(ctx, "u-1", first, crisis.ContactedHelp))
	events = store.Events("u-1")
	assert.Equal(t, crisis.Dismissed, events[0].Response)
	assert.Equal(t, crisis.ContactedHelp, events[1].Response)

	err = log.AttachResponse(ctx, "u-2", "", crisis.Dismissed)
	assert.ErrorIs(t, err, crisis.ErrEventNotFound)

	_, err = log.Record(ctx, "u-1", "s-1", "hello there friend", risk.Assessment{})
	assert.ErrorIs(t, err, ErrNotDetected)
}

type recordedResponse struct {
	userID, eventID string
	response        crisis.Response
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedResponse
	err   error
}

func (f *fakeRecorder) AttachResponse(_ context.Context, userID, eventID string, response crisis.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedResponse{userID, eventID, response})
	return f.err
}

func detection(eventID string, level risk.Level) Detection {
	return Detection{EventID: eventID, UserID: "u-1", SessionID: "s-1", Severity: level, Signals: []string{"x"}}
}

func TestManagerOpensAndCloses(t *testing.T) {
	rec := &fakeRecorder{}
	m := NewManager(rec, nil)
	ctx := context.Background()

	assert.Equal(t, StateIdle, m.Current("s-1").State)
	_, err := m.Dismiss(ctx, "s-1")
	assert.ErrorIs(t, err, ErrNoOpenIntervention)

	view := m.Open(detection("e-1", risk.High))
	assert.Equal(t, StateOpen, view.State)
	assert.Equal(t, risk.High, view.Severity)
	require.NotNil(t, view.Guidance)
	assert.Equal(t, "emergency", view.Guidance.Contacts[0].ID)

	view, err = m.ContactHelp(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, view.State)
	assert.Nil(t, view.Guidance)
	assert.Equal(t, []recordedResponse{{"u-1", "e-1", crisis.ContactedHelp}}, rec.calls)

	_, err = m.Dismiss(ctx, "s-1")
	assert.ErrorIs(t, err, ErrNoOpenIntervention)
}

func TestSaveResourcesKeepsOpen(t *testing.T) {
	rec := &fakeRecorder{}
	m := NewManager(rec, nil)
	ctx := context.Background()

	m.Open(detection("e-1", risk.Medium))
	view, err := m.SaveResources(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, view.State)
	assert.Equal(t, risk.Medium, view.Severity)
	assert.Equal(t, crisis.SavedResources, view.Response)

	view, err = m.Dismiss(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, view.State)
	assert.Len(t, rec.calls, 2)
}

func TestDetectionsWhileOpenAreQueued(t *testing.T) {
	rec := &fakeRecorder{}
	m := NewManager(rec, nil)
	ctx := context.Background()

	m.Open(detection("e-1", risk.Low))
	view := m.Open(detection("e-2", risk.High))
	assert.Equal(t, 1, view.Queued)
	assert.Equal(t, "e-1", view.Detection.EventID, "open detection is not overwritten")
	m.Open(detection("e-3", risk.Medium))

	view, err := m.Dismiss(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, view.State)
	assert.Equal(t, "e-2", view.Detection.EventID)
	assert.Equal(t, 1, view.Queued)

	view, err = m.Dismiss(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "e-3", view.Detection.EventID)

	view, err = m.Dismiss(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, view.State)

	var targets []string
	for _, c := range rec.calls {
		targets = append(targets, c.eventID)
	}
	assert.Equal(t, []string{"e-1", "e-2", "e-3"}, targets)
}

func TestRecorderFailureDoesNotBlockTransition(t *testing.T) {
	m := NewManager(&fakeRecorder{err: errors.New("db down")}, nil)
	m.Open(detection("", risk.High))
	view, err := m.Dismiss(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, view.State)
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	m := NewManager(nil, nil)
	var got []State
	cancel := m.Subscribe("s-1", func(v Intervention) { got = append(got, v.State) })
	m.Subscribe("s-other", func(Intervention) { t.Error("wrong session notified") })

	m.Open(detection("e-1", risk.High))
	_, err := m.Dismiss(context.Background(), "s-1")
	require.NoError(t, err)
	cancel()
	m.Open(detection("e-2", risk.High))

	assert.Equal(t, []State{StateOpen, StateClosed}, got)
}

type flakyStore struct {
	*MemoryEventStore
	fail bool
}

func (s *flakyStore) Insert(ctx context.Context, event *crisis.Event) error {
	if s.fail {
		return errors.New("insert failed")
	}
	return s.MemoryEventStore.Insert(ctx, event)
}

func TestResponseWithoutEventLeavesEarlierEventAlone(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryEventStore: NewMemoryEventStore()}
	log := NewEventLog(store, nil)
	m := NewManager(log, nil)
	high := risk.Assessment{Detected: true, Level: risk.High, Signals: []string{"suicide"}}

	first, err := log.Record(ctx, "u-1", "s-1", "first message text", high)
	require.NoError(t, err)
	m.Open(detection(first, risk.High))
	_, err = m.Dismiss(ctx, "s-1")
	require.NoError(t, err)

	store.fail = true
	_, err = log.Record(ctx, "u-1", "s-1", "second message text", high)
	require.Error(t, err)
	m.Open(detection("", risk.High))
	view, err := m.ContactHelp(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, view.State)

	events := store.Events("u-1")
	require.Len(t, events, 1)
	assert.Equal(t, crisis.Dismissed, events[0].Response)

	// 直接按空 id 回写也不会改写已关闭的事件。
	err = log.AttachResponse(ctx, "u-1", "", crisis.ContactedHelp)
	assert.ErrorIs(t, err, crisis.ErrEventNotFound)
	assert.Equal(t, crisis.Dismissed, store.Events("u-1")[0].Response)
}

func TestPendingEventHoldsResponse(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	m := NewManager(rec, nil)

	m.OpenPending(detection("e-1", risk.High))
	_, err := m.SaveResources(ctx, "s-1")
	require.NoError(t, err)
	view, err := m.Dismiss(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, view.State)
	assert.Empty(t, rec.calls, "nothing written before the event exists")

	m.EventRecorded(ctx, "e-1", nil)
	assert.Equal(t, []recordedResponse{{"u-1", "e-1", crisis.Dismissed}}, rec.calls)

	// 写入已完成的事件直接回写。
	m.OpenPending(detection("e-2", risk.Medium))
	m.EventRecorded(ctx, "e-2", nil)
	_, err = m.ContactHelp(ctx, "s-1")
	require.NoError(t, err)
	assert.Len(t, rec.calls, 2)
	assert.Equal(t, "e-2", rec.calls[1].eventID)
}

func TestFailedEventWriteDropsHeldResponse(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	m := NewManager(rec, nil)

	m.OpenPending(detection("e-1", risk.High))
	_, err := m.ContactHelp(ctx, "s-1")
	require.NoError(t, err)
	m.EventRecorded(ctx, "e-1", errors.New("disk full"))
	assert.Empty(t, rec.calls)

	// 重复上报是无害的。
	m.EventRecorded(ctx, "e-1", nil)
	assert.Empty(t, rec.calls)
}

func TestClosedMachinesAreRetired(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, nil)
	m.closedRetention = 2

	for _, session := range []string{"s-1", "s-2", "s-3"} {
		d := detection("", risk.Low)
		d.SessionID = session
		m.Open(d)
		_, err := m.Dismiss(ctx, session)
		require.NoError(t, err)
	}
	assert.Equal(t, StateIdle, m.Current("s-1").State)
	assert.Equal(t, StateClosed, m.Current("s-2").State)
	assert.Equal(t, StateClosed, m.Current("s-3").State)

	// 重新打开过的会话不会被旧的关闭记录淘汰。
	d := detection("", risk.High)
	d.SessionID = "s-2"
	m.Open(d)
	_, err := m.Dismiss(ctx, "s-2")
	require.NoError(t, err)
	d.SessionID = "s-4"
	m.Open(d)
	_, err = m.Dismiss(ctx, "s-4")
	require.NoError(t, err)

	assert.Equal(t, StateClosed, m.Current("s-2").State)
	assert.Equal(t, StateClosed, m.Current("s-4").State)
	assert.Len(t, m.machines, 2)
}
