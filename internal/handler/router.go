package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/solace/backend/internal/handler/audio"
	"github.com/zhouzirui/solace/backend/internal/handler/chat"
	"github.com/zhouzirui/solace/backend/internal/handler/consent"
	"github.com/zhouzirui/solace/backend/internal/handler/crisis"
	"github.com/zhouzirui/solace/backend/internal/handler/persona"
	"github.com/zhouzirui/solace/backend/internal/handler/voice"
	middlewarePkg "github.com/zhouzirui/solace/backend/internal/middleware"
	consentModel "github.com/zhouzirui/solace/backend/internal/model/consent"
	personaModel "github.com/zhouzirui/solace/backend/internal/model/persona"
	"github.com/zhouzirui/solace/backend/internal/pkg/logger"
	chatService "github.com/zhouzirui/solace/backend/internal/service/chat"
	crisisService "github.com/zhouzirui/solace/backend/internal/service/crisis"
	"github.com/zhouzirui/solace/backend/internal/service/pipeline"
	speechService "github.com/zhouzirui/solace/backend/internal/service/speech"
	"github.com/zhouzirui/solace/backend/pkg/utils"
)

// Dependencies 是路由需要的服务。AudioClips 与 Health 可为空。
type Dependencies struct {
	Personas      personaModel.Store
	Chat          *chatService.Service
	Pipeline      *pipeline.Pipeline
	Consent       consentModel.Store
	Crisis        *crisisService.Manager
	AudioClips    *speechService.AudioStore
	MaxAudioBytes int64
	CaptureLimit  time.Duration
	Health        func(ctx context.Context) error
	Logger        *logger.Logger
}

// Router 是完整的 HTTP 入口。Shutdown 排空 http.Server 不跟踪的 WebSocket 连接。
type Router struct {
	http.Handler
	voice *voice.Handler
}

// Shutdown closes live voice connections and waits for them to finish.
func (rt *Router) Shutdown(ctx context.Context) error {
	return rt.voice.Shutdown(ctx)
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Dependencies) *Router {
	log := logger.OrNop(deps.Logger)
	r := chi.NewRouter()
	voiceHandler := voice.New(voice.Config{
		Chat:          deps.Chat,
		Pipeline:      deps.Pipeline,
		Consent:       deps.Consent,
		Crisis:        deps.Crisis,
		CaptureLimit:  deps.CaptureLimit,
		MaxAudioBytes: int(deps.MaxAudioBytes),
		Logger:        log,
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Health(ctx); err != nil {
				log.Warn("health check failed", "error", err)
				utils.RespondError(w, http.StatusServiceUnavailable, "unhealthy")
				return
			}
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		persona.New(deps.Personas).RegisterRoutes(api)
		chat.New(deps.Chat, deps.Pipeline, deps.MaxAudioBytes, log).RegisterRoutes(api)
		consent.New(deps.Consent, log).RegisterRoutes(api)

		if deps.Crisis != nil {
			crisis.New(deps.Chat, deps.Crisis).RegisterRoutes(api)
		}
		if deps.AudioClips != nil {
			audio.New(deps.AudioClips).RegisterRoutes(api)
		}

		voiceHandler.RegisterRoutes(api)
	})

	return &Router{Handler: r, voice: voiceHandler}
}
