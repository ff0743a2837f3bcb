package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/lectern-backend/internal/artifact"
	"github.com/yungbote/lectern-backend/internal/cleanup"
	"github.com/yungbote/lectern-backend/internal/clients/gemini"
	"github.com/yungbote/lectern-backend/internal/covergen"
	apihttp "github.com/yungbote/lectern-backend/internal/http"
	httpH "github.com/yungbote/lectern-backend/internal/http/handlers"
	"github.com/yungbote/lectern-backend/internal/jobs"
	"github.com/yungbote/lectern-backend/internal/lifecycle"
	"github.com/yungbote/lectern-backend/internal/media"
	"github.com/yungbote/lectern-backend/internal/observability"
	"github.com/yungbote/lectern-backend/internal/pipeline"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
	"github.com/yungbote/lectern-backend/internal/realtime"
	"github.com/yungbote/lectern-backend/internal/refine"
	scriptgen "github.com/yungbote/lectern-backend/internal/script"
	"github.com/yungbote/lectern-backend/internal/tts"
	"github.com/yungbote/lectern-backend/internal/utils"
)

type App struct {
	Log       *logger.Logger
	Cfg       Config
	Router    *gin.Engine
	Server    *apihttp.Server
	Store     *artifact.Store
	Jobs      *jobs.Manager
	Hub       *realtime.SSEHub
	Lifecycle *lifecycle.Manager

	otelShutdown func(context.Context) error
}

// New builds the full component graph: storage, job manager, provider
// clients, pipeline, cleanup, lifecycle, and the HTTP surface.
func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "dev"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("loading configuration")
	cfg := LoadConfig(log)
	if cfg.LogMode == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Version:     cfg.Version,
	})

	store, err := artifact.NewStore(log, cfg.OutputsRoot, cfg.UploadsRoot)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init artifact store: %w", err)
	}

	hub := realtime.NewSSEHub(log)
	notifier := realtime.NewJobNotifier(hub)

	manager, err := jobs.NewManager(log, cfg.JobDataRoot, cfg.CacheLimit, notifier)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init job manager: %w", err)
	}

	llm, err := gemini.NewClient(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init gemini client: %w", err)
	}
	speech, err := gemini.NewSpeechClient(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init speech client: %w", err)
	}

	tools := media.New(log)
	renderer := media.NewRenderer(log, cfg.RenderTimeout)

	adapter := tts.NewAdapter(log, speech, tools)
	sectionizer := tts.NewSectionizer(log, adapter, tools, store)
	refiner := refine.NewRefiner(log, llm, tools, renderer, store)

	analyzer := scriptgen.NewAnalyzer(log, llm)
	generator := scriptgen.NewGenerator(log, llm)
	cover := covergen.New(log, coverStyle(log))

	worker := pipeline.NewSectionWorker(log, store, sectionizer, refiner, tools)
	orchestrator := pipeline.NewOrchestrator(log, store, manager, analyzer, generator, worker, tools, cover)

	sweeper := cleanup.NewService(log, store, manager, cleanup.ConfigFromEnv(log))
	lc := lifecycle.NewManager(log, tools, store, manager, sweeper, orchestrator)

	router := apihttp.NewRouter(apihttp.RouterConfig{
		Log:             log,
		AllowOrigins:    cfg.CORSAllowOrigins,
		TracingEnabled:  cfg.TracingEnabled,
		ServiceName:     cfg.ServiceName,
		UploadHandler:   httpH.NewUploadHandler(log, store),
		AnalyzeHandler:  httpH.NewAnalyzeHandler(log, store, analyzer),
		GenerateHandler: httpH.NewGenerateHandler(log, manager, orchestrator, lc),
		JobHandler:      httpH.NewJobHandler(log, manager, store),
		EventsHandler:   httpH.NewEventsHandler(log, hub),
		HealthHandler:   httpH.NewHealthHandler(tools),
	})
	server := apihttp.NewServer(log, router, ":"+cfg.Port)

	return &App{
		Log:          log,
		Cfg:          cfg,
		Router:       router,
		Server:       server,
		Store:        store,
		Jobs:         manager,
		Hub:          hub,
		Lifecycle:    lc,
		otelShutdown: otelShutdown,
	}, nil
}

// Start runs the boot sequence: tool checks, the cleanup one-shot,
// interrupted-job recovery, and the cleanup ticker.
func (a *App) Start(ctx context.Context) error {
	if a == nil || a.Lifecycle == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Lifecycle.Startup(ctx)
}

// Run serves HTTP until Close shuts the listener down.
func (a *App) Run() error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Server.Start()
}

// Close drains the server, stops background work and flushes telemetry.
// Safe to call more than once.
func (a *App) Close(ctx context.Context) {
	if a == nil {
		return
	}
	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			a.Log.Warn("http shutdown", "error", err.Error())
		}
	}
	if a.Lifecycle != nil {
		if err := a.Lifecycle.Shutdown(ctx); err != nil {
			a.Log.Warn("lifecycle shutdown", "error", err.Error())
		}
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("otel shutdown", "error", err.Error())
		}
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}

// coverStyle maps the animation theme onto the title-card style so the
// thumbnail fallback matches the rendered scenes.
func coverStyle(log *logger.Logger) covergen.Style {
	theme, err := refine.LoadTheme(utils.GetEnv("THEME_PATH", "", log))
	if err != nil {
		log.Warn("theme load failed, cover cards use defaults", "error", err.Error())
		return covergen.DefaultStyle()
	}
	return covergen.Style{
		Background: theme.Background,
		TextColor:  theme.TextColor,
		Accent:     theme.Accent,
		Palette:    theme.Palette,
	}
}
