package consent

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/solace/backend/internal/handler/httperr"
	"github.com/zhouzirui/solace/backend/internal/model/consent"
	"github.com/zhouzirui/solace/backend/internal/pkg/logger"
	"github.com/zhouzirui/solace/backend/pkg/utils"
)

// Handler 授权偏好的HTTP处理器。写入只来自用户的显式操作。
type Handler struct {
	store consent.Store
	log   *logger.Logger
}

func New(store consent.Store, log *logger.Logger) *Handler {
	return &Handler{store: store, log: logger.OrNop(log).Named("consent-handler")}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/users/{userID}/consent", h.handleGet)
	r.Put("/users/{userID}/consent", h.handlePut)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	utils.RespondJSON(w, http.StatusOK, consent.LoadPreferences(r.Context(), h.store, userID))
}

// handlePut 接受 {"history":"granted","voice":"denied"}，两项均可省略。
func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	var payload struct {
		History *string `json:"history"`
		Voice   *string `json:"voice"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.History == nil && payload.Voice == nil {
		utils.RespondError(w, http.StatusBadRequest, "history or voice is required")
		return
	}

	updates := make(map[consent.Flag]consent.State, 2)
	for flag, raw := range map[consent.Flag]*string{consent.History: payload.History, consent.Voice: payload.Voice} {
		if raw == nil {
			continue
		}
		state, err := consent.ParseState(*raw)
		if err == nil {
			err = consent.ValidateWrite(flag, state)
		}
		if err != nil {
			httperr.Write(w, err)
			return
		}
		updates[flag] = state
	}

	for flag, state := range updates {
		if err := h.store.Set(r.Context(), userID, flag, state); err != nil {
			h.log.Error("failed to store consent", "user_id", userID, "flag", flag, "error", err)
			httperr.Write(w, err)
			return
		}
		h.log.Info("consent updated", "user_id", userID, "flag", flag, "state", state)
	}
	utils.RespondJSON(w, http.StatusOK, consent.LoadPreferences(r.Context(), h.store, userID))
}
