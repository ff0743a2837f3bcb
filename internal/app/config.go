package app

import (
	"strings"
	"time"

	"github.com/yungbote/lectern-backend/internal/platform/logger"
	"github.com/yungbote/lectern-backend/internal/utils"
)

// Config aggregates the process-level settings read once at startup.
// Component-specific knobs (refiner temperatures, TTS pacing, cleanup
// retention) are read by their own constructors.
type Config struct {
	Port    string
	LogMode string

	OutputsRoot string
	UploadsRoot string
	JobDataRoot string
	CacheLimit  int

	RenderTimeout time.Duration

	CORSAllowOrigins []string
	TracingEnabled   bool
	ServiceName      string
	Environment      string
	Version          string
}

func LoadConfig(log *logger.Logger) Config {
	origins := splitOrigins(utils.GetEnv("CORS_ALLOW_ORIGINS", "*", log))
	return Config{
		Port:             utils.GetEnv("PORT", "8000", log),
		LogMode:          utils.GetEnv("LOG_MODE", "dev", log),
		OutputsRoot:      utils.GetEnv("OUTPUTS_ROOT", "outputs", log),
		UploadsRoot:      utils.GetEnv("UPLOADS_ROOT", "uploads", log),
		JobDataRoot:      utils.GetEnv("JOB_DATA_ROOT", "job_data", log),
		CacheLimit:       utils.GetEnvAsInt("JOB_MANAGER_CACHE_LIMIT", 200, log),
		RenderTimeout:    utils.GetEnvAsDuration("RENDER_TIMEOUT", 900*time.Second, time.Second, log),
		CORSAllowOrigins: origins,
		TracingEnabled:   utils.GetEnvAsBool("OTEL_ENABLED", false, log),
		ServiceName:      utils.GetEnv("OTEL_SERVICE_NAME", "lectern-backend", log),
		Environment:      utils.GetEnv("APP_ENV", "dev", log),
		Version:          utils.GetEnv("APP_VERSION", "dev", log),
	}
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
