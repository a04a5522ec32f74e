package voice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/solace/backend/internal/capture"
	"github.com/zhouzirui/solace/backend/internal/handler/httperr"
	"github.com/zhouzirui/solace/backend/internal/model/chat"
	"github.com/zhouzirui/solace/backend/internal/model/consent"
	"github.com/zhouzirui/solace/backend/internal/pkg/logger"
	chatService "github.com/zhouzirui/solace/backend/internal/service/chat"
	crisisService "github.com/zhouzirui/solace/backend/internal/service/crisis"
	"github.com/zhouzirui/solace/backend/internal/service/pipeline"
	"github.com/zhouzirui/solace/backend/pkg/utils"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// Handler WebSocket语音处理器：录音、文本发送与危机通知共用一条连接。
type Handler struct {
	chatSvc       *chatService.Service
	pipeline      *pipeline.Pipeline
	consent       consent.Store
	crisis        *crisisService.Manager
	captureLimit  time.Duration
	maxAudioBytes int
	upgrader      websocket.Upgrader
	log           *logger.Logger

	// active 记录已升级的连接；http.Server.Shutdown 不跟踪被接管的连接，由 Shutdown 排空。
	mu       sync.Mutex
	active   map[*websocket.Conn]struct{}
	draining bool
	conns    sync.WaitGroup
}

// Config 汇总 Handler 的依赖。
type Config struct {
	Chat          *chatService.Service
	Pipeline      *pipeline.Pipeline
	Consent       consent.Store
	Crisis        *crisisService.Manager
	CaptureLimit  time.Duration
	MaxAudioBytes int
	Logger        *logger.Logger
}

func New(cfg Config) *Handler {
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = 10 << 20
	}
	return &Handler{
		chatSvc:       cfg.Chat,
		pipeline:      cfg.Pipeline,
		consent:       cfg.Consent,
		crisis:        cfg.Crisis,
		captureLimit:  cfg.CaptureLimit,
		maxAudioBytes: cfg.MaxAudioBytes,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log:    logger.OrNop(cfg.Logger).Named("voice"),
		active: make(map[*websocket.Conn]struct{}),
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/voice", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type startMessage struct {
	MimeType string `json:"mimeType"`
}

type audioMessage struct {
	AudioData []byte `json:"audioData"`
}

type textMessage struct {
	Text       string `json:"text"`
	QuickReply string `json:"quickReply"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// wsWriter 串行化所有写操作，gorilla 连接只允许一个并发写者。
type wsWriter struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
}

func (w *wsWriter) send(kind string, data interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteJSON(outgoingMessage{
		Type:      kind,
		SessionID: w.sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

func (w *wsWriter) sendError(err error) {
	status, code := httperr.Classify(err)
	_ = w.send("error", map[string]any{"code": code, "status": status, "message": httperr.Message(err)})
}

func (w *wsWriter) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// job 是一次排队的发送，语音与文本按接收顺序串行处理。
type job struct {
	input      pipeline.Input
	quickReply string
}

type connection struct {
	h       *Handler
	session chat.Session
	out     *wsWriter
	jobs    chan job

	mu       sync.Mutex
	recorder *capture.Session
	mimeType string
	closing  bool
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.chatSvc.GetSession(r.Context(), sessionID)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	if h.pipeline == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "pipeline unavailable")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	if !h.track(conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}
	defer h.untrack(conn)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &connection{
		h:       h,
		session: session,
		out:     &wsWriter{conn: conn, sessionID: sessionID},
		jobs:    make(chan job, 4),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pingLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.worker(ctx)
	}()

	if h.crisis != nil {
		unsubscribe := h.crisis.Subscribe(sessionID, func(v crisisService.Intervention) {
			_ = c.out.send("crisis", v)
		})
		defer unsubscribe()
		if current := h.crisis.Current(sessionID); current.State == crisisService.StateOpen {
			_ = c.out.send("crisis", current)
		}
	}

	h.log.Info("voice connection opened", "session_id", sessionID)
	_ = c.out.send("connected", map[string]any{
		"persona":      session.PersonaID,
		"captureLimit": c.limit().Seconds(),
	})

	c.readLoop(conn)

	// 连接断开时释放录音设备，再等待进行中的发送结束
	c.abortCapture()
	cancel()
	wg.Wait()
	h.log.Info("voice connection closed", "session_id", sessionID)
}

func (h *Handler) track(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.active[conn] = struct{}{}
	h.conns.Add(1)
	return true
}

func (h *Handler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.active, conn)
	h.mu.Unlock()
	h.conns.Done()
}

// Shutdown 拒绝新连接，关闭现有连接，并等待它们的发送与清理结束。
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	conns := make([]*websocket.Conn, 0, len(h.active))
	for conn := range h.active {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if len(conns) > 0 {
		h.log.Info("draining voice connections", "count", len(conns))
	}

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) limit() time.Duration {
	if c.h.captureLimit <= 0 || c.h.captureLimit > capture.MaxDuration {
		return capture.MaxDuration
	}
	return c.h.captureLimit
}

func (c *connection) readLoop(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.h.log.Warn("websocket read error", "session_id", c.session.ID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.handleMessage(msg)
	}
}

func (c *connection) handleMessage(msg inboundMessage) {
	switch msg.Type {
	case "start":
		var start startMessage
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &start); err != nil {
				_ = c.out.send("error", map[string]string{"code": "invalid_request", "message": "invalid start payload"})
				return
			}
		}
		c.startCapture(start.MimeType)
	case "audio":
		var audio audioMessage
		if err := json.Unmarshal(msg.Data, &audio); err != nil {
			_ = c.out.send("error", map[string]string{"code": "invalid_request", "message": "invalid audio payload"})
			return
		}
		c.appendAudio(audio.AudioData)
	case "stop":
		c.stopCapture()
	case "text":
		var text textMessage
		if err := json.Unmarshal(msg.Data, &text); err != nil {
			_ = c.out.send("error", map[string]string{"code": "invalid_request", "message": "invalid text payload"})
			return
		}
		c.enqueue(job{input: pipeline.Input{Text: text.Text}, quickReply: text.QuickReply})
	default:
		_ = c.out.send("error", map[string]string{"code": "invalid_request", "message": "unsupported message type: " + msg.Type})
	}
}

// startCapture 在打开设备前读取最新的 voice 授权。
func (c *connection) startCapture(mimeType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recorder != nil {
		_ = c.out.send("error", map[string]string{"code": "capture_in_progress", "message": "recording already in progress"})
		return
	}

	recorder := capture.NewSession(capture.NewBufferDevice(c.h.maxAudioBytes), c.limit(), c.onCaptured)
	check := func(ctx context.Context) (consent.State, error) {
		return consent.Read(ctx, c.h.consent, c.session.UserID, consent.Voice)
	}
	if err := recorder.Start(context.Background(), check); err != nil {
		c.out.sendError(err)
		return
	}
	c.recorder = recorder
	c.mimeType = strings.TrimSpace(mimeType)
	_ = c.out.send("recording", map[string]any{"state": "started", "limitSeconds": c.limit().Seconds()})
}

func (c *connection) appendAudio(chunk []byte) {
	c.mu.Lock()
	recorder := c.recorder
	c.mu.Unlock()
	if recorder == nil {
		_ = c.out.send("error", map[string]string{"code": "not_recording", "message": "recording not started"})
		return
	}
	if err := recorder.Append(chunk); err != nil {
		_ = c.out.send("error", map[string]string{"code": "capture_failed", "message": err.Error()})
	}
}

func (c *connection) stopCapture() {
	c.mu.Lock()
	recorder := c.recorder
	c.mu.Unlock()
	if recorder == nil {
		_ = c.out.send("error", map[string]string{"code": "not_recording", "message": "recording not started"})
		return
	}
	if _, err := recorder.Stop(); err != nil {
		_ = c.out.send("error", map[string]string{"code": "capture_failed", "message": err.Error()})
	}
}

// onCaptured 由用户停止或超时触发，两条路径在 capture 内部只执行一次。
func (c *connection) onCaptured(res capture.Result) {
	c.mu.Lock()
	c.recorder = nil
	mimeType := c.mimeType
	closing := c.closing
	c.mu.Unlock()

	// 断开连接时丢弃录音，不再发送
	if closing {
		return
	}
	_ = c.out.send("recording", map[string]any{"state": "stopped", "reason": res.Reason, "bytes": len(res.Audio)})
	if res.Err != nil {
		_ = c.out.send("error", map[string]string{"code": "capture_failed", "message": res.Err.Error()})
		return
	}
	if len(res.Audio) == 0 {
		return
	}
	c.enqueue(job{input: pipeline.Input{Audio: &pipeline.Audio{Data: res.Audio, MimeType: mimeType}}})
}

func (c *connection) abortCapture() {
	c.mu.Lock()
	c.closing = true
	recorder := c.recorder
	c.mu.Unlock()
	if recorder != nil {
		_, _ = recorder.Stop()
	}
}

func (c *connection) enqueue(j job) {
	select {
	case c.jobs <- j:
	default:
		c.out.sendError(pipeline.ErrSendInProgress)
	}
}

func (c *connection) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.jobs:
			c.run(ctx, j)
		}
	}
}

func (c *connection) run(ctx context.Context, j job) {
	progress := func(stage pipeline.Stage) {
		_ = c.out.send("stage", map[string]any{"stage": stage})
	}

	var (
		result pipeline.Result
		err    error
	)
	if j.quickReply != "" {
		result, err = c.h.pipeline.SendQuickReply(ctx, c.session.ID, j.quickReply)
	} else {
		result, err = c.h.pipeline.SendWithProgress(ctx, c.session.ID, j.input, progress)
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.out.sendError(err)
		}
		return
	}
	_ = c.out.send("result", result)
}

// pingLoop 定期发送ping消息
func (c *connection) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.out.ping(); err != nil {
				return
			}
		}
	}
}
