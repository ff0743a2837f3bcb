package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/lectern-backend/internal/http/handlers"
	httpMW "github.com/yungbote/lectern-backend/internal/http/middleware"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	AllowOrigins   []string
	TracingEnabled bool
	ServiceName    string

	UploadHandler   *httpH.UploadHandler
	AnalyzeHandler  *httpH.AnalyzeHandler
	GenerateHandler *httpH.GenerateHandler
	JobHandler      *httpH.JobHandler
	EventsHandler   *httpH.EventsHandler
	HealthHandler   *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.TracingEnabled {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics())
	r.Use(httpMW.CORS(cfg.AllowOrigins))

	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.Check)
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		if cfg.UploadHandler != nil {
			api.POST("/uploads", cfg.UploadHandler.Upload)
		}
		if cfg.AnalyzeHandler != nil {
			api.POST("/analyze", cfg.AnalyzeHandler.Analyze)
		}
		if cfg.GenerateHandler != nil {
			api.POST("/generate", cfg.GenerateHandler.Generate)
		}
		if cfg.JobHandler != nil {
			api.GET("/jobs/:id", cfg.JobHandler.Get)
			api.DELETE("/jobs/:id", cfg.JobHandler.Delete)
			api.GET("/jobs/:id/resume", cfg.JobHandler.ResumeSnapshot)
			api.GET("/jobs/:id/video", cfg.JobHandler.Video)
			api.GET("/jobs/:id/thumbnail", cfg.JobHandler.Thumbnail)
		}
		if cfg.EventsHandler != nil {
			api.GET("/jobs/:id/events", cfg.EventsHandler.Stream)
		}
	}

	return r
}
