package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/yungbote/lectern-backend/internal/artifact"
	"github.com/yungbote/lectern-backend/internal/cleanup"
	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/jobs"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

type fakeTools struct {
	report map[string]error
}

func (f *fakeTools) CheckTools(ctx context.Context) map[string]error {
	if f.report == nil {
		return map[string]error{"ffmpeg": nil, "ffprobe": nil, "manim": nil, "python3": nil}
	}
	return f.report
}

type fakeRecoverer struct {
	mu     sync.Mutex
	calls  []string
	failAs error
}

func (f *fakeRecoverer) CompleteFromArtifacts(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, jobID)
	return f.failAs
}

type fixture struct {
	mgr       *Manager
	jobs      *jobs.Manager
	store     *artifact.Store
	recoverer *fakeRecoverer
}

func newFixture(t *testing.T, tools *fakeTools) *fixture {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	store, err := artifact.NewStore(log, t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	jobManager, err := jobs.NewManager(log, t.TempDir(), 0, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	sweeper := cleanup.NewService(log, store, jobManager, cleanup.Config{
		OutputsEnabled:     false,
		UploadsEnabled:     false,
		MaxUploadDeletions: 1,
		Interval:           time.Hour,
	})
	rec := &fakeRecoverer{}
	return &fixture{
		mgr:       NewManager(log, tools, store, jobManager, sweeper, rec),
		jobs:      jobManager,
		store:     store,
		recoverer: rec,
	}
}

// seedInterrupted creates a non-terminal job with a saved script of total
// sections, done of which have their final videos on disk.
func (f *fixture) seedInterrupted(t *testing.T, total, done int) string {
	t.Helper()
	job, err := f.jobs.Create(&domain.GenerateRequest{Topics: []string{"eigenvalues"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	script := &domain.Script{Title: "Eigenvalues", Language: "en"}
	for i := 1; i <= total; i++ {
		script.Sections = append(script.Sections, domain.ScriptSection{
			Heading:   fmt.Sprintf("Part %d", i),
			Narration: "Consider a linear map.",
		})
	}
	if err := f.store.SaveScript(job.ID, script); err != nil {
		t.Fatalf("SaveScript: %v", err)
	}
	for i := 1; i <= done; i++ {
		if err := f.store.EnsureSectionDir(job.ID, i); err != nil {
			t.Fatalf("EnsureSectionDir: %v", err)
		}
		if err := os.WriteFile(f.store.SectionVideoPath(job.ID, i), []byte("mp4"), 0o644); err != nil {
			t.Fatalf("write section video: %v", err)
		}
	}
	return job.ID
}

func TestStartupCompositesFullyRenderedJob(t *testing.T) {
	f := newFixture(t, &fakeTools{})
	jobID := f.seedInterrupted(t, 2, 2)

	if err := f.mgr.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	defer f.mgr.Shutdown(context.Background())

	f.recoverer.mu.Lock()
	calls := append([]string(nil), f.recoverer.calls...)
	f.recoverer.mu.Unlock()
	if len(calls) != 1 || calls[0] != jobID {
		t.Fatalf("recoverer calls = %#v, want [%s]", calls, jobID)
	}

	job, err := f.jobs.Get(jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status == domain.JobStatusFailed {
		t.Fatalf("fully rendered job was failed instead of composited: %#v", job)
	}
}

func TestStartupFailsPartiallyRenderedJob(t *testing.T) {
	f := newFixture(t, &fakeTools{})
	jobID := f.seedInterrupted(t, 3, 1)

	if err := f.mgr.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	defer f.mgr.Shutdown(context.Background())

	if len(f.recoverer.calls) != 0 {
		t.Fatalf("recoverer called for partial job: %#v", f.recoverer.calls)
	}
	job, err := f.jobs.Get(jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.Message != "Interrupted: 1/3 sections complete" {
		t.Fatalf("message = %q", job.Message)
	}
}

func TestStartupFailsJobWhenRecoveryCompositeErrors(t *testing.T) {
	f := newFixture(t, &fakeTools{})
	f.recoverer.failAs = errors.New("concat demuxer exploded")
	jobID := f.seedInterrupted(t, 2, 2)

	if err := f.mgr.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	defer f.mgr.Shutdown(context.Background())

	job, err := f.jobs.Get(jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.Message != "Interrupted: 2/2 sections complete" {
		t.Fatalf("message = %q", job.Message)
	}
	if !strings.Contains(job.Error, "concat demuxer") {
		t.Fatalf("error detail = %q", job.Error)
	}
}

func TestStartupStrictAbortsOnMissingTool(t *testing.T) {
	t.Setenv("STARTUP_STRICT_RUNTIME_CHECKS", "true")
	f := newFixture(t, &fakeTools{report: map[string]error{
		"ffmpeg":  nil,
		"ffprobe": nil,
		"manim":   errors.New("exec: \"manim\": executable file not found in $PATH"),
		"python3": nil,
	}})

	err := f.mgr.Startup(context.Background())
	if err == nil {
		t.Fatalf("strict startup succeeded with manim missing")
	}
	if !strings.Contains(err.Error(), "manim") {
		t.Fatalf("error = %v, want it to name the missing tool", err)
	}
}

func TestStartupDegradesWithoutStrictChecks(t *testing.T) {
	f := newFixture(t, &fakeTools{report: map[string]error{
		"ffmpeg":  nil,
		"ffprobe": nil,
		"manim":   errors.New("not found"),
		"python3": nil,
	}})

	if err := f.mgr.Startup(context.Background()); err != nil {
		t.Fatalf("non-strict startup failed: %v", err)
	}
	if err := f.mgr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestShutdownDrainsTrackedWorkAndGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, &fakeTools{})
	if err := f.mgr.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	started := make(chan struct{})
	if ok := f.mgr.Launch(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}); !ok {
		t.Fatalf("Launch refused before shutdown")
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.mgr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if ok := f.mgr.Launch(func(ctx context.Context) {}); ok {
		t.Fatalf("Launch accepted work after shutdown")
	}
	// Second call is a no-op.
	if err := f.mgr.Shutdown(context.Background()); err != nil {
		t.Fatalf("repeat Shutdown: %v", err)
	}
}
