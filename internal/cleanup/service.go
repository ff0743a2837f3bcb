package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/yungbote/lectern-backend/internal/artifact"
	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/jobs"
	"github.com/yungbote/lectern-backend/internal/observability"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
	"github.com/yungbote/lectern-backend/internal/utils"
)

// Config carries the retention clocks for one sweep. All ages compare
// against the job record's updated_at when a record exists, and against
// directory mtime for orphans.
type Config struct {
	OutputsEnabled bool
	UploadsEnabled bool

	OutputRetention time.Duration
	FailedRetention time.Duration
	OrphanRetention time.Duration
	RecordRetention time.Duration
	UploadRetention time.Duration

	// MaxUploadDeletions bounds upload removals per sweep, oldest first.
	MaxUploadDeletions int

	Interval time.Duration
}

func ConfigFromEnv(log *logger.Logger) Config {
	cfg := Config{
		OutputsEnabled:     utils.GetEnvAsBool("OUTPUT_CLEANUP_ENABLED", true, log),
		UploadsEnabled:     utils.GetEnvAsBool("UPLOAD_CLEANUP_ENABLED", true, log),
		OutputRetention:    utils.GetEnvAsDuration("OUTPUT_RETENTION_HOURS", 24*time.Hour, time.Hour, log),
		FailedRetention:    utils.GetEnvAsDuration("FAILED_OUTPUT_RETENTION_HOURS", 6*time.Hour, time.Hour, log),
		OrphanRetention:    utils.GetEnvAsDuration("ORPHAN_OUTPUT_RETENTION_HOURS", time.Hour, time.Hour, log),
		RecordRetention:    utils.GetEnvAsDuration("JOB_METADATA_RETENTION_HOURS", 72*time.Hour, time.Hour, log),
		UploadRetention:    utils.GetEnvAsDuration("UPLOAD_RETENTION_HOURS", 24*time.Hour, time.Hour, log),
		MaxUploadDeletions: utils.GetEnvAsInt("UPLOAD_CLEANUP_MAX_DELETIONS", 500, log),
		Interval:           utils.GetEnvAsDuration("CLEANUP_INTERVAL_MINUTES", 60*time.Minute, time.Minute, log),
	}
	if cfg.MaxUploadDeletions < 1 {
		cfg.MaxUploadDeletions = 1
	}
	if cfg.Interval < time.Minute {
		cfg.Interval = time.Minute
	}
	return cfg
}

// Summary reports what one sweep removed.
type Summary struct {
	Outputs int
	Orphans int
	Records int
	Uploads int
}

func (s Summary) total() int { return s.Outputs + s.Orphans + s.Records + s.Uploads }

// Service removes expired outputs, orphan directories, stale job records
// and old uploads. It never touches a job the manager still considers
// active, whatever the artifact ages say.
type Service struct {
	log     *logger.Logger
	store   *artifact.Store
	manager *jobs.Manager
	cfg     Config

	// now is swappable so retention math is testable.
	now func() time.Time
}

func NewService(log *logger.Logger, store *artifact.Store, manager *jobs.Manager, cfg Config) *Service {
	return &Service{
		log:     log.With("service", "Cleanup"),
		store:   store,
		manager: manager,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Start blocks, sweeping every cfg.Interval until ctx is canceled. The
// caller already ran the startup one-shot, so the first tick waits a full
// interval.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.Info("cleanup scheduler started", "interval", s.cfg.Interval.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("cleanup scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns what it removed. A canceled
// ctx stops the sweep between items; partial counts are still reported.
func (s *Service) RunOnce(ctx context.Context) Summary {
	start := s.now()
	var sum Summary
	if s.cfg.OutputsEnabled {
		s.sweepOutputs(ctx, &sum)
		s.sweepRecords(ctx, &sum)
	}
	if s.cfg.UploadsEnabled {
		s.sweepUploads(ctx, &sum)
	}
	if sum.total() > 0 {
		s.log.Info("cleanup sweep complete",
			"outputs", sum.Outputs,
			"orphans", sum.Orphans,
			"records", sum.Records,
			"uploads", sum.Uploads,
			"duration_ms", time.Since(start).Milliseconds())
	} else {
		s.log.Debug("cleanup sweep complete, nothing expired")
	}
	return sum
}

// sweepOutputs ages out completed and failed job directories, and orphan
// directories that have no job record at all.
func (s *Service) sweepOutputs(ctx context.Context, sum *Summary) {
	dirs, err := s.store.ListJobDirs()
	if err != nil {
		s.log.Warn("cleanup could not list job dirs", "error", err.Error())
		return
	}
	for _, jobID := range dirs {
		if ctx.Err() != nil {
			return
		}
		job, err := s.manager.Get(jobID)
		if errors.Is(err, jobs.ErrNotFound) {
			s.reapOrphan(jobID, sum)
			continue
		}
		if err != nil {
			s.log.Warn("cleanup could not load job record", "job_id", jobID, "error", err.Error())
			continue
		}
		if job.Status.Active() {
			continue
		}
		retention := s.cfg.OutputRetention
		if job.Status == domain.JobStatusFailed {
			retention = s.cfg.FailedRetention
		}
		age := s.now().Sub(job.UpdatedAt)
		if age <= retention {
			continue
		}
		if err := s.store.RemoveJobDir(jobID); err != nil {
			s.log.Warn("cleanup could not remove job dir", "job_id", jobID, "error", err.Error())
			continue
		}
		sum.Outputs++
		observability.CleanupDeletionsTotal.WithLabelValues("output").Inc()
		s.log.Info("removed expired job outputs",
			"job_id", jobID,
			"status", string(job.Status),
			"age_hours", hours(age))
	}
}

// reapOrphan removes a job directory with no record, judged by dir mtime
// since there is no updated_at to consult.
func (s *Service) reapOrphan(jobID string, sum *Summary) {
	info, err := os.Stat(s.store.JobDir(jobID))
	if err != nil {
		return
	}
	age := s.now().Sub(info.ModTime())
	if age <= s.cfg.OrphanRetention {
		return
	}
	if err := s.store.RemoveJobDir(jobID); err != nil {
		s.log.Warn("cleanup could not remove orphan dir", "job_id", jobID, "error", err.Error())
		return
	}
	sum.Orphans++
	observability.CleanupDeletionsTotal.WithLabelValues("orphan").Inc()
	s.log.Info("removed orphan job dir", "job_id", jobID, "age_hours", hours(age))
}

// sweepRecords deletes record files for terminal jobs past the metadata
// retention window and evicts their cache entries.
func (s *Service) sweepRecords(ctx context.Context, sum *Summary) {
	all, err := s.manager.ListAll()
	if err != nil {
		s.log.Warn("cleanup could not list job records", "error", err.Error())
		return
	}
	for _, job := range all {
		if ctx.Err() != nil {
			return
		}
		if !job.Status.Terminal() {
			continue
		}
		age := s.now().Sub(job.UpdatedAt)
		if age <= s.cfg.RecordRetention {
			continue
		}
		if _, err := s.manager.Delete(job.ID); err != nil {
			s.log.Warn("cleanup could not delete job record", "job_id", job.ID, "error", err.Error())
			continue
		}
		sum.Records++
		observability.CleanupDeletionsTotal.WithLabelValues("record").Inc()
		s.log.Info("removed stale job record", "job_id", job.ID, "age_hours", hours(age))
	}
}

// sweepUploads removes uploads past retention, oldest first, at most
// MaxUploadDeletions per sweep so one tick cannot stall on a huge backlog.
func (s *Service) sweepUploads(ctx context.Context, sum *Summary) {
	entries, err := os.ReadDir(s.store.UploadsRoot())
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("cleanup could not list uploads", "error", err.Error())
		}
		return
	}

	type expired struct {
		name string
		mod  time.Time
	}
	candidates := make([]expired, 0)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if s.now().Sub(info.ModTime()) > s.cfg.UploadRetention {
			candidates = append(candidates, expired{name: e.Name(), mod: info.ModTime()})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mod.Before(candidates[j].mod) })

	for i, c := range candidates {
		if ctx.Err() != nil {
			return
		}
		if i >= s.cfg.MaxUploadDeletions {
			s.log.Warn("upload deletion cap reached, deferring remainder",
				"cap", s.cfg.MaxUploadDeletions,
				"remaining", len(candidates)-i)
			break
		}
		path := filepath.Join(s.store.UploadsRoot(), c.name)
		if err := os.Remove(path); err != nil {
			s.log.Warn("cleanup could not remove upload", "file", c.name, "error", err.Error())
			continue
		}
		sum.Uploads++
		observability.CleanupDeletionsTotal.WithLabelValues("upload").Inc()
		s.log.Info("removed expired upload", "file", c.name, "age_hours", hours(s.now().Sub(c.mod)))
	}
}

func hours(d time.Duration) float64 {
	return float64(int(d.Hours()*10)) / 10
}
