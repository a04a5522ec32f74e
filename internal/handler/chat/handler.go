package chat

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/solace/backend/internal/handler/httperr"
	"github.com/zhouzirui/solace/backend/internal/pkg/logger"
	chatService "github.com/zhouzirui/solace/backend/internal/service/chat"
	"github.com/zhouzirui/solace/backend/internal/service/pipeline"
	"github.com/zhouzirui/solace/backend/internal/service/speech"
	"github.com/zhouzirui/solace/backend/pkg/utils"
)

const defaultMaxAudioBytes = 10 << 20

// Handler 会话与消息的HTTP处理器
type Handler struct {
	chatSvc       *chatService.Service
	pipeline      *pipeline.Pipeline
	maxAudioBytes int64
	log           *logger.Logger
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, p *pipeline.Pipeline, maxAudioBytes int64, log *logger.Logger) *Handler {
	if maxAudioBytes <= 0 {
		maxAudioBytes = defaultMaxAudioBytes
	}
	return &Handler{
		chatSvc:       chatSvc,
		pipeline:      p,
		maxAudioBytes: maxAudioBytes,
		log:           logger.OrNop(log).Named("chat-handler"),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleCreateSession)
	r.Get("/sessions/{sessionID}", h.handleGetSession)
	r.Get("/sessions/{sessionID}/messages", h.handleListMessages)
	r.Post("/sessions/{sessionID}/messages", h.handleSendMessage)
	r.Post("/sessions/{sessionID}/audio", h.handleSendAudio)
	r.Get("/quick-replies", h.handleQuickReplies)
}

// handleCreateSession 创建会话
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID    string `json:"userId"`
		PersonaID string `json:"personaId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := h.chatSvc.CreateSession(r.Context(), payload.UserID, payload.PersonaID)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.chatSvc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		httperr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.chatSvc.LoadTranscript(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		httperr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// handleSendMessage 发送文本或快捷回复
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text       string `json:"text"`
		QuickReply string `json:"quickReply"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	var (
		result pipeline.Result
		err    error
	)
	if payload.QuickReply != "" {
		result, err = h.pipeline.SendQuickReply(r.Context(), sessionID, payload.QuickReply)
	} else {
		result, err = h.pipeline.Send(r.Context(), sessionID, pipeline.Input{Text: payload.Text})
	}
	if err != nil {
		httperr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, result)
}

// handleSendAudio 接收 multipart 录音（字段 audio）并走语音发送流程
func (h *Handler) handleSendAudio(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxAudioBytes+1<<16)
	if err := r.ParseMultipartForm(h.maxAudioBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxAudioBytes+1))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read audio")
		return
	}
	if int64(len(data)) > h.maxAudioBytes {
		utils.RespondError(w, http.StatusRequestEntityTooLarge, "audio file too large")
		return
	}

	mimeType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = speech.MIMEFromFilename(header.Filename)
	}

	result, err := h.pipeline.Send(r.Context(), chi.URLParam(r, "sessionID"), pipeline.Input{
		Audio: &pipeline.Audio{Data: data, MimeType: mimeType},
	})
	if err != nil {
		httperr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleQuickReplies(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{"quickReplies": pipeline.QuickReplies()})
}
