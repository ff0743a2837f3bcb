package http

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/lectern-backend/internal/artifact"
	"github.com/yungbote/lectern-backend/internal/domain"
	httpH "github.com/yungbote/lectern-backend/internal/http/handlers"
	"github.com/yungbote/lectern-backend/internal/jobs"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
	"github.com/yungbote/lectern-backend/internal/realtime"
)

type stubRunner struct{}

func (stubRunner) Run(ctx context.Context, jobID string) {}
func (stubRunner) ResumeJob(req *domain.GenerateRequest) (*domain.Job, error) {
	return nil, jobs.ErrNotFound
}

type stubLauncher struct{}

func (stubLauncher) Launch(fn func(ctx context.Context)) bool { return true }

type stubTools struct{}

func (stubTools) CheckTools(ctx context.Context) map[string]error {
	return map[string]error{"ffmpeg": nil, "ffprobe": nil, "manim": nil, "python3": nil}
}

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	store, err := artifact.NewStore(log, t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	manager, err := jobs.NewManager(log, t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	hub := realtime.NewSSEHub(log)

	return NewRouter(RouterConfig{
		Log:             log,
		AllowOrigins:    []string{"*"},
		UploadHandler:   httpH.NewUploadHandler(log, store),
		AnalyzeHandler:  httpH.NewAnalyzeHandler(log, store, nil),
		GenerateHandler: httpH.NewGenerateHandler(log, manager, stubRunner{}, stubLauncher{}),
		JobHandler:      httpH.NewJobHandler(log, manager, store),
		EventsHandler:   httpH.NewEventsHandler(log, hub),
		HealthHandler:   httpH.NewHealthHandler(stubTools{}),
	})
}

func TestRouterMountsEveryRoute(t *testing.T) {
	r := testRouter(t)

	want := []string{
		"GET /healthz",
		"GET /metrics",
		"POST /api/v1/uploads",
		"POST /api/v1/analyze",
		"POST /api/v1/generate",
		"GET /api/v1/jobs/:id",
		"DELETE /api/v1/jobs/:id",
		"GET /api/v1/jobs/:id/resume",
		"GET /api/v1/jobs/:id/video",
		"GET /api/v1/jobs/:id/thumbnail",
		"GET /api/v1/jobs/:id/events",
	}
	got := map[string]bool{}
	for _, route := range r.Routes() {
		got[route.Method+" "+route.Path] = true
	}
	for _, key := range want {
		if !got[key] {
			t.Fatalf("route %q not mounted; have %#v", key, got)
		}
	}
}

func TestRouterHealthz(t *testing.T) {
	r := testRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/healthz", nil))
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Status string            `json:"status"`
		Tools  map[string]string `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "ok" || out.Tools["manim"] != "ok" {
		t.Fatalf("health = %#v", out)
	}
}

func TestRouterServesPrometheusMetrics(t *testing.T) {
	r := testRouter(t)

	// Hit another endpoint first so the HTTP counters have a sample.
	warm := httptest.NewRecorder()
	r.ServeHTTP(warm, httptest.NewRequest(nethttp.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/metrics", nil))
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "lectern_http_requests_total") {
		t.Fatalf("metrics exposition missing lectern_http_requests_total")
	}
	if !strings.Contains(body, "lectern_http_inflight_requests") {
		t.Fatalf("metrics exposition missing inflight gauge")
	}
}

func TestRouterAttachesTraceHeaders(t *testing.T) {
	r := testRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Trace-Id") == "" || rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("trace headers missing: %#v", rec.Header())
	}
}
