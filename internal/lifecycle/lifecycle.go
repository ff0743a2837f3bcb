package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/yungbote/lectern-backend/internal/artifact"
	"github.com/yungbote/lectern-backend/internal/cleanup"
	"github.com/yungbote/lectern-backend/internal/jobs"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
	"github.com/yungbote/lectern-backend/internal/utils"
)

// ToolChecker is the slice of media.Tools startup needs: per-binary probe
// results for the report and the strict gate.
type ToolChecker interface {
	CheckTools(ctx context.Context) map[string]error
}

// Recoverer finishes a job whose sections all rendered before a restart cut
// the process off. The pipeline orchestrator implements it.
type Recoverer interface {
	CompleteFromArtifacts(ctx context.Context, jobID string) error
}

// Manager owns process bring-up and tear-down: runtime tool checks, the
// cleanup one-shot and ticker, interrupted-job recovery, and the tracked
// run context every pipeline goroutine inherits.
type Manager struct {
	log       *logger.Logger
	tools     ToolChecker
	store     *artifact.Store
	jobs      *jobs.Manager
	sweeper   *cleanup.Service
	recoverer Recoverer
	strict    bool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	once     sync.Once
}

func NewManager(log *logger.Logger, tools ToolChecker, store *artifact.Store, jobManager *jobs.Manager, sweeper *cleanup.Service, recoverer Recoverer) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:       log.With("service", "Lifecycle"),
		tools:     tools,
		store:     store,
		jobs:      jobManager,
		sweeper:   sweeper,
		recoverer: recoverer,
		strict:    utils.GetEnvAsBool("STARTUP_STRICT_RUNTIME_CHECKS", false, log),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Startup runs the boot sequence: tool probes, a cleanup one-shot,
// interrupted-job recovery, then the cleanup ticker goroutine.
func (m *Manager) Startup(ctx context.Context) error {
	if err := m.checkTools(ctx); err != nil {
		return err
	}
	m.sweeper.RunOnce(ctx)
	m.recoverInterrupted(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sweeper.Start(m.ctx)
	}()
	m.log.Info("startup complete")
	return nil
}

// checkTools logs every unavailable binary. Missing tools degrade the
// pipeline (renders and probes will fail per job) unless strict checks are
// on, in which case boot aborts.
func (m *Manager) checkTools(ctx context.Context) error {
	report := m.tools.CheckTools(ctx)
	missing := make([]string, 0)
	for name, err := range report {
		if err != nil {
			missing = append(missing, name)
			m.log.Warn("runtime tool unavailable", "tool", name, "error", err.Error())
		}
	}
	if len(missing) == 0 {
		m.log.Info("runtime tools ready", "count", len(report))
		return nil
	}
	sort.Strings(missing)
	if m.strict {
		return fmt.Errorf("missing runtime tools: %s", strings.Join(missing, ", "))
	}
	m.log.Warn("continuing with degraded runtime", "missing", strings.Join(missing, ", "))
	return nil
}

// recoverInterrupted settles every job the last process left non-terminal.
// A job with every section video on disk only lost its compositing step, so
// it is finished from artifacts; anything else is failed but keeps its
// artifacts for the resume endpoint.
func (m *Manager) recoverInterrupted(ctx context.Context) {
	interrupted, err := m.jobs.GetInterrupted()
	if err != nil {
		m.log.Warn("could not enumerate interrupted jobs", "error", err.Error())
		return
	}
	if len(interrupted) == 0 {
		return
	}
	m.log.Info("recovering interrupted jobs", "count", len(interrupted))

	for _, job := range interrupted {
		snap, err := m.store.Snapshot(job.ID)
		if err != nil || snap == nil {
			snap = &artifact.Progress{}
		}
		done := len(snap.CompletedSections)
		total := snap.TotalSections

		if snap.HasScript && total > 0 && done == total {
			m.log.Info("all sections on disk, compositing recovered job", "job_id", job.ID, "sections", total)
			if cerr := m.recoverer.CompleteFromArtifacts(ctx, job.ID); cerr != nil {
				m.log.Warn("recovery composite failed", "job_id", job.ID, "error", cerr.Error())
				m.failInterrupted(job.ID, done, total, cerr.Error())
			}
			continue
		}
		m.failInterrupted(job.ID, done, total, "")
	}
}

func (m *Manager) failInterrupted(jobID string, done, total int, detail string) {
	msg := fmt.Sprintf("Interrupted: %d/%d sections complete", done, total)
	if _, err := m.jobs.Fail(jobID, msg, detail); err != nil {
		m.log.Warn("could not mark interrupted job failed", "job_id", jobID, "error", err.Error())
		return
	}
	m.log.Info("interrupted job marked failed", "job_id", jobID, "sections_done", done, "sections_total", total)
}

// Launch runs fn as a tracked goroutine on the run context. It reports
// false once shutdown has begun; callers should refuse the work.
func (m *Manager) Launch(fn func(ctx context.Context)) bool {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return false
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
	return true
}

// Context exposes the run context so request handlers can detach pipeline
// work from their own request lifetimes.
func (m *Manager) Context() context.Context { return m.ctx }

// Shutdown cancels the run context and waits for tracked goroutines until
// ctx expires. Safe to call more than once. Jobs cut off mid-pipeline stay
// active on disk and are settled by recoverInterrupted on the next boot.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.once.Do(func() {
		m.mu.Lock()
		m.draining = true
		m.mu.Unlock()
		m.cancel()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			m.log.Info("shutdown complete")
		case <-ctx.Done():
			err = fmt.Errorf("shutdown wait: %w", ctx.Err())
			m.log.Warn("shutdown gave up waiting for workers", "error", ctx.Err().Error())
		}
		m.log.Sync()
	})
	return err
}
