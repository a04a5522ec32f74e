package crisis

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/solace/backend/internal/handler/httperr"
	"github.com/zhouzirui/solace/backend/internal/model/crisis"
	chatService "github.com/zhouzirui/solace/backend/internal/service/chat"
	crisisService "github.com/zhouzirui/solace/backend/internal/service/crisis"
	"github.com/zhouzirui/solace/backend/pkg/utils"
)

// Handler 危机干预界面的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	manager *crisisService.Manager
}

func New(chatSvc *chatService.Service, manager *crisisService.Manager) *Handler {
	return &Handler{chatSvc: chatSvc, manager: manager}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/crisis", h.handleCurrent)
	r.Post("/sessions/{sessionID}/crisis/{action}", h.handleAction)
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
		httperr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.manager.Current(sessionID))
}

// handleAction 处理 dismiss / contact-help / save-resources
func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
		httperr.Write(w, err)
		return
	}
	response, err := crisis.ParseResponse(chi.URLParam(r, "action"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	view, err := h.manager.Respond(r.Context(), sessionID, response)
	if err != nil {
		httperr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, view)
}
