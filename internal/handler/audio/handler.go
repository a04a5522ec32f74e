package audio

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/solace/backend/internal/service/speech"
	"github.com/zhouzirui/solace/backend/pkg/utils"
)

// Handler 播放合成音频
type Handler struct {
	clips *speech.AudioStore
}

func New(clips *speech.AudioStore) *Handler {
	return &Handler{clips: clips}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/audio/{ref}", h.handleGet)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	clip, ok := h.clips.Get(chi.URLParam(r, "ref"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "audio not found")
		return
	}
	w.Header().Set("Content-Type", speech.ContentType(clip.Format))
	w.Header().Set("Content-Length", strconv.Itoa(len(clip.Data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(clip.Data)
}
