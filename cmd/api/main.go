package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/solace/backend/internal/analysis/risk"
	"github.com/zhouzirui/solace/backend/internal/cache"
	"github.com/zhouzirui/solace/backend/internal/config"
	"github.com/zhouzirui/solace/backend/internal/handler"
	"github.com/zhouzirui/solace/backend/internal/model/persona"
	"github.com/zhouzirui/solace/backend/internal/pkg/logger"
	"github.com/zhouzirui/solace/backend/internal/service/ai"
	"github.com/zhouzirui/solace/backend/internal/service/chat"
	"github.com/zhouzirui/solace/backend/internal/service/crisis"
	moodservice "github.com/zhouzirui/solace/backend/internal/service/mood"
	"github.com/zhouzirui/solace/backend/internal/service/pipeline"
	"github.com/zhouzirui/solace/backend/internal/service/speech"
	"github.com/zhouzirui/solace/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	if envErr != nil {
		log.Warn("failed to load .env file, continuing with system environment variables only", "error", envErr)
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server error", "error", err)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	db, err := store.Open(cfg.Storage, cfg.Log.Mode != "prod")
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn("failed to close storage", "error", err)
		}
	}()

	moodCache := cache.Open(ctx, cfg.Cache, log)
	defer func() {
		if err := moodCache.Close(); err != nil {
			log.Warn("failed to close mood cache", "error", err)
		}
	}()

	scorer, err := newScorer(cfg.Safety, log)
	if err != nil {
		return err
	}

	personaStore := persona.NewMemoryStore(persona.Seed())
	chatService := chat.NewService(personaStore)
	consentStore := store.NewConsentStore(db)

	// 未配置 Ark 凭证时服务仍可启动，发送在生成阶段返回 ConfigurationError
	aiService, err := ai.NewService(ctx, cfg.AI, log)
	if err != nil {
		return fmt.Errorf("initialize AI service: %w", err)
	}

	moodService, err := moodservice.NewService(ctx, aiService.ChatModel(), moodservice.Config{Enabled: cfg.AI.MoodLLMEnabled}, log)
	if err != nil {
		return fmt.Errorf("initialize mood service: %w", err)
	}
	if moodService.Enabled() {
		log.Info("mood classifier using chat model")
	} else {
		log.Info("mood classifier using keyword heuristics")
	}

	clips := speech.NewAudioStore(time.Hour, 256)
	speechService := speech.NewService(cfg.Speech, clips, log)
	if !cfg.Speech.Enabled {
		log.Warn("语音服务凭证未配置，语音识别与合成不可用")
	}

	eventLog := crisis.NewEventLog(store.NewCrisisEventStore(db), log)
	interventions := crisis.NewManager(eventLog, log)

	p, err := pipeline.New(pipeline.Dependencies{
		Sessions:        chatService,
		Personas:        personaStore,
		Consent:         consentStore,
		Scorer:          scorer,
		Transcriber:     speechService,
		Classifier:      moodService,
		Generator:       aiService,
		Synthesizer:     speechService,
		Turns:           store.NewTurnStore(db),
		MoodHints:       moodCache,
		CrisisLog:       eventLog,
		Interventions:   interventions,
		Logger:          log,
		SideTaskTimeout: cfg.Safety.SideTaskTimeout,
	})
	if err != nil {
		return fmt.Errorf("initialize pipeline: %w", err)
	}
	// 先排空危机旁路任务，再关闭存储
	defer p.Wait()

	router := handler.NewRouter(handler.Dependencies{
		Personas:     personaStore,
		Chat:         chatService,
		Pipeline:     p,
		Consent:      consentStore,
		Crisis:       interventions,
		AudioClips:   clips,
		CaptureLimit: cfg.Safety.CaptureLimit,
		Health:       db.Ping,
		Logger:       log,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info("Solace backend listening", "addr", cfg.Server.Addr)
	// 返回后才执行上面的 p.Wait，语音连接此时已排空
	return runServer(ctx, srv, router.Shutdown)
}

func newScorer(cfg config.SafetyConfig, log *logger.Logger) (*risk.Scorer, error) {
	if cfg.RulesPath == "" {
		scorer := risk.NewScorer(nil)
		log.Info("risk rules loaded", "version", scorer.Rules().Version, "source", "embedded")
		return scorer, nil
	}
	rs, err := risk.LoadRulesetFile(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	log.Info("risk rules loaded", "version", rs.Version, "source", cfg.RulesPath)
	return risk.NewScorer(rs), nil
}

// runServer 在 ctx 结束时关闭 srv，再调用 drain 排空被接管的连接。
func runServer(ctx context.Context, srv *http.Server, drain func(context.Context) error) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if drain != nil {
			_ = drain(shutdownCtx)
		}
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
