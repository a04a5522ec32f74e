package crisis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zhouzirui/solace/backend/internal/analysis/risk"
	"github.com/zhouzirui/solace/backend/internal/model/crisis"
	"github.com/zhouzirui/solace/backend/internal/pkg/logger"
)

var ErrNoOpenIntervention = errors.New("no open crisis intervention")

// State of the intervention surface: Idle → Open(severity) → Closed.
type State string

const (
	StateIdle   State = "idle"
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Detection is one positive risk assessment handed to the manager.
type Detection struct {
	EventID    string     `json:"eventId,omitempty"`
	UserID     string     `json:"userId"`
	SessionID  string     `json:"sessionId"`
	Severity   risk.Level `json:"severity"`
	Signals    []string   `json:"triggeredSignals"`
	DetectedAt time.Time  `json:"detectedAt"`
}

// Intervention 是某个会话干预界面的快照。
type Intervention struct {
	SessionID string           `json:"sessionId"`
	State     State            `json:"state"`
	Severity  risk.Level       `json:"severity,omitempty"`
	Guidance  *crisis.Guidance `json:"guidance,omitempty"`
	Detection *Detection       `json:"detection,omitempty"`
	Response  crisis.Response  `json:"userResponse,omitempty"`
	Queued    int              `json:"queued"`
}

// ResponseRecorder 保存用户处置，EventLog 实现它。
type ResponseRecorder interface {
	AttachResponse(ctx context.Context, userID, eventID string, response crisis.Response) error
}

// pendingEvent 是仍在写入中的事件；写入完成前的处置先缓存在这里。
type pendingEvent struct {
	userID   string
	response crisis.Response
}

type machine struct {
	state    State
	current  *Detection
	response crisis.Response
	queue    []Detection
	retired  uint64
}

func (m *machine) snapshot(sessionID string) Intervention {
	view := Intervention{SessionID: sessionID, State: m.state, Queued: len(m.queue)}
	if m.state == StateOpen && m.current != nil {
		d := *m.current
		g := crisis.GuidanceFor(d.Severity)
		view.Severity = d.Severity
		view.Guidance = &g
		view.Detection = &d
		view.Response = m.response
	}
	return view
}

func (m *machine) promote() {
	if len(m.queue) == 0 {
		return
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	m.state = StateOpen
	m.current = &next
	m.response = ""
}

const defaultClosedRetention = 1024

type retiredMachine struct {
	sessionID string
	seq       uint64
}

// Manager 为每个会话维护一个干预状态机。同一时间最多一个 Open，
// 新的检出在 Open 期间按 FIFO 排队，不会覆盖未处置的事件。
// 已关闭的状态机只保留最近 closedRetention 个，更早的回到 Idle。
type Manager struct {
	mu       sync.Mutex
	machines map[string]*machine
	pending  map[string]*pendingEvent
	closed   []retiredMachine
	retires  uint64
	subs     map[string]map[int]func(Intervention)
	nextSub  int
	recorder ResponseRecorder
	log      *logger.Logger

	closedRetention int
}

func NewManager(recorder ResponseRecorder, log *logger.Logger) *Manager {
	return &Manager{
		machines:        make(map[string]*machine),
		pending:         make(map[string]*pendingEvent),
		subs:            make(map[string]map[int]func(Intervention)),
		recorder:        recorder,
		log:             logger.OrNop(log).Named("crisis"),
		closedRetention: defaultClosedRetention,
	}
}

func (m *Manager) machineLocked(sessionID string) *machine {
	mc, ok := m.machines[sessionID]
	if !ok {
		mc = &machine{state: StateIdle}
		m.machines[sessionID] = mc
	}
	return mc
}

// Open 处理一次检出：空闲或已关闭时打开，已打开时排队。
func (m *Manager) Open(d Detection) Intervention {
	return m.open(d, false)
}

// OpenPending opens the surface for a detection whose event is still being
// written. Responses given before EventRecorded are held and attached once
// the write succeeds.
func (m *Manager) OpenPending(d Detection) Intervention {
	return m.open(d, d.EventID != "")
}

// EventRecorded 结束 OpenPending 登记的写入。err 非空时缓存的处置被丢弃，
// 不会落到该用户的其他事件上。
func (m *Manager) EventRecorded(ctx context.Context, eventID string, err error) {
	m.mu.Lock()
	p, ok := m.pending[eventID]
	delete(m.pending, eventID)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		if p.response != "" {
			m.log.Error("crisis response not recorded: event write failed",
				"event_id", eventID, "response", p.response, "error", err)
		}
		return
	}
	if p.response != "" {
		m.attach(ctx, p.userID, eventID, p.response)
	}
}

func (m *Manager) open(d Detection, pending bool) Intervention {
	if d.DetectedAt.IsZero() {
		d.DetectedAt = time.Now().UTC()
	}
	d.Signals = append([]string(nil), d.Signals...)

	m.mu.Lock()
	if pending {
		m.pending[d.EventID] = &pendingEvent{userID: d.UserID}
	}
	mc := m.machineLocked(d.SessionID)
	opened := false
	if mc.state == StateOpen {
		mc.queue = append(mc.queue, d)
	} else {
		mc.state = StateOpen
		mc.current = &d
		mc.response = ""
		opened = true
	}
	view := mc.snapshot(d.SessionID)
	listeners := m.listenersLocked(d.SessionID)
	m.mu.Unlock()

	if opened {
		m.log.Info("crisis intervention opened", "session_id", d.SessionID, "severity", d.Severity)
	} else {
		m.log.Info("crisis detection queued", "session_id", d.SessionID, "severity", d.Severity, "queued", view.Queued)
	}
	notify(listeners, view)
	return view
}

// Current returns the intervention for a session; Idle when nothing was detected.
func (m *Manager) Current(sessionID string) Intervention {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.machines[sessionID]
	if !ok {
		return Intervention{SessionID: sessionID, State: StateIdle}
	}
	return mc.snapshot(sessionID)
}

// Respond 记录用户处置。ContactedHelp 与 Dismissed 关闭干预并提升下一个排队的检出，
// SavedResources 只记录，界面保持打开。
func (m *Manager) Respond(ctx context.Context, sessionID string, response crisis.Response) (Intervention, error) {
	m.mu.Lock()
	mc, ok := m.machines[sessionID]
	if !ok || mc.state != StateOpen || mc.current == nil {
		m.mu.Unlock()
		return Intervention{}, ErrNoOpenIntervention
	}
	target := *mc.current
	mc.response = response
	if response.Closes() {
		mc.state = StateClosed
		mc.current = nil
		mc.response = ""
		mc.promote()
		if mc.state == StateClosed {
			m.retireLocked(sessionID, mc)
		}
	}
	held := false
	if p, ok := m.pending[target.EventID]; ok {
		p.response = response
		held = true
	}
	view := mc.snapshot(sessionID)
	listeners := m.listenersLocked(sessionID)
	m.mu.Unlock()

	switch {
	case target.EventID == "":
		// 没有事件 id 时不回退到该用户最近的事件。
		m.log.Warn("crisis response not recorded: detection has no event",
			"session_id", sessionID, "response", response)
	case held:
		m.log.Debug("crisis response held until event is recorded",
			"session_id", sessionID, "event_id", target.EventID, "response", response)
	default:
		m.attach(ctx, target.UserID, target.EventID, response)
	}
	notify(listeners, view)
	return view, nil
}

func (m *Manager) attach(ctx context.Context, userID, eventID string, response crisis.Response) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.AttachResponse(ctx, userID, eventID, response); err != nil {
		m.log.Error("failed to record crisis response", "event_id", eventID, "response", response, "error", err)
	}
}

// retireLocked 记录一个刚关闭的会话，并淘汰超出保留数量且之后未再打开过的状态机。
func (m *Manager) retireLocked(sessionID string, mc *machine) {
	m.retires++
	mc.retired = m.retires
	m.closed = append(m.closed, retiredMachine{sessionID: sessionID, seq: m.retires})
	for len(m.closed) > m.closedRetention {
		oldest := m.closed[0]
		m.closed = m.closed[1:]
		if old, ok := m.machines[oldest.sessionID]; ok && old.state == StateClosed && old.retired == oldest.seq {
			delete(m.machines, oldest.sessionID)
		}
	}
}

func (m *Manager) Dismiss(ctx context.Context, sessionID string) (Intervention, error) {
	return m.Respond(ctx, sessionID, crisis.Dismissed)
}

func (m *Manager) ContactHelp(ctx context.Context, sessionID string) (Intervention, error) {
	return m.Respond(ctx, sessionID, crisis.ContactedHelp)
}

func (m *Manager) SaveResources(ctx context.Context, sessionID string) (Intervention, error) {
	return m.Respond(ctx, sessionID, crisis.SavedResources)
}

// Subscribe registers fn for every state change of a session. The returned
// function removes the subscription.
func (m *Manager) Subscribe(sessionID string, fn func(Intervention)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	if m.subs[sessionID] == nil {
		m.subs[sessionID] = make(map[int]func(Intervention))
	}
	m.subs[sessionID][id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[sessionID], id)
		if len(m.subs[sessionID]) == 0 {
			delete(m.subs, sessionID)
		}
	}
}

func (m *Manager) listenersLocked(sessionID string) []func(Intervention) {
	subs := m.subs[sessionID]
	out := make([]func(Intervention), 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []func(Intervention), view Intervention) {
	for _, fn := range listeners {
		fn(view)
	}
}
