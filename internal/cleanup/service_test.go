package cleanup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/lectern-backend/internal/artifact"
	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/jobs"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

type fixture struct {
	svc      *Service
	store    *artifact.Store
	manager  *jobs.Manager
	dataRoot string
	now      time.Time
}

func testConfig() Config {
	return Config{
		OutputsEnabled:     true,
		UploadsEnabled:     true,
		OutputRetention:    24 * time.Hour,
		FailedRetention:    6 * time.Hour,
		OrphanRetention:    time.Hour,
		RecordRetention:    72 * time.Hour,
		UploadRetention:    24 * time.Hour,
		MaxUploadDeletions: 500,
		Interval:           time.Hour,
	}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	store, err := artifact.NewStore(log, t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	dataRoot := t.TempDir()
	manager, err := jobs.NewManager(log, dataRoot, 0, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	svc := NewService(log, store, manager, cfg)
	now := time.Now()
	svc.now = func() time.Time { return now }
	return &fixture{svc: svc, store: store, manager: manager, dataRoot: dataRoot, now: now}
}

// seedJob writes a job record straight to disk so updated_at can sit in the
// past, then creates the matching output dir.
func (f *fixture) seedJob(t *testing.T, status domain.JobStatus, age time.Duration) string {
	t.Helper()
	job := &domain.Job{
		ID:        uuid.NewString(),
		Status:    status,
		CreatedAt: f.now.Add(-age - time.Hour),
		UpdatedAt: f.now.Add(-age),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	if err := os.WriteFile(filepath.Join(f.dataRoot, job.ID+".json"), raw, 0o644); err != nil {
		t.Fatalf("write record: %v", err)
	}
	if err := f.store.EnsureJobDir(job.ID); err != nil {
		t.Fatalf("EnsureJobDir: %v", err)
	}
	return job.ID
}

func (f *fixture) dirExists(jobID string) bool {
	_, err := os.Stat(f.store.JobDir(jobID))
	return err == nil
}

func (f *fixture) recordExists(jobID string) bool {
	_, err := os.Stat(filepath.Join(f.dataRoot, jobID+".json"))
	return err == nil
}

func TestRunOnceRemovesExpiredCompletedOutputs(t *testing.T) {
	f := newFixture(t, testConfig())
	expired := f.seedJob(t, domain.JobStatusCompleted, 25*time.Hour)
	fresh := f.seedJob(t, domain.JobStatusCompleted, time.Hour)

	sum := f.svc.RunOnce(context.Background())

	if sum.Outputs != 1 {
		t.Fatalf("summary = %#v, want 1 output", sum)
	}
	if f.dirExists(expired) {
		t.Fatalf("expired output dir survived")
	}
	if !f.dirExists(fresh) {
		t.Fatalf("fresh output dir removed")
	}
	// Records are younger than their 72h window, both must survive.
	if !f.recordExists(expired) || !f.recordExists(fresh) {
		t.Fatalf("record removed before metadata retention elapsed")
	}
}

func TestFailedOutputsUseShorterRetention(t *testing.T) {
	f := newFixture(t, testConfig())
	failed := f.seedJob(t, domain.JobStatusFailed, 7*time.Hour)
	completed := f.seedJob(t, domain.JobStatusCompleted, 7*time.Hour)

	sum := f.svc.RunOnce(context.Background())

	if sum.Outputs != 1 {
		t.Fatalf("summary = %#v, want 1 output", sum)
	}
	if f.dirExists(failed) {
		t.Fatalf("failed output dir survived 7h with 6h retention")
	}
	if !f.dirExists(completed) {
		t.Fatalf("completed output dir removed at 7h with 24h retention")
	}
}

func TestActiveJobsAreImmune(t *testing.T) {
	f := newFixture(t, testConfig())
	active := f.seedJob(t, domain.JobStatusCreatingAnimations, 100*time.Hour)

	sum := f.svc.RunOnce(context.Background())

	if sum.total() != 0 {
		t.Fatalf("summary = %#v, want nothing removed", sum)
	}
	if !f.dirExists(active) {
		t.Fatalf("active job output dir removed")
	}
	if !f.recordExists(active) {
		t.Fatalf("active job record removed")
	}
}

func TestOrphanDirsRemovedByMtime(t *testing.T) {
	f := newFixture(t, testConfig())

	old := "orphan-old"
	if err := f.store.EnsureJobDir(old); err != nil {
		t.Fatalf("EnsureJobDir: %v", err)
	}
	stamp := f.now.Add(-2 * time.Hour)
	if err := os.Chtimes(f.store.JobDir(old), stamp, stamp); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	young := "orphan-young"
	if err := f.store.EnsureJobDir(young); err != nil {
		t.Fatalf("EnsureJobDir: %v", err)
	}

	sum := f.svc.RunOnce(context.Background())

	if sum.Orphans != 1 {
		t.Fatalf("summary = %#v, want 1 orphan", sum)
	}
	if f.dirExists(old) {
		t.Fatalf("old orphan dir survived")
	}
	if !f.dirExists(young) {
		t.Fatalf("young orphan dir removed before retention")
	}
}

func TestStaleRecordsDeleted(t *testing.T) {
	f := newFixture(t, testConfig())
	stale := f.seedJob(t, domain.JobStatusCompleted, 73*time.Hour)
	activeOld := f.seedJob(t, domain.JobStatusAnalyzing, 73*time.Hour)

	sum := f.svc.RunOnce(context.Background())

	if sum.Records != 1 {
		t.Fatalf("summary = %#v, want 1 record", sum)
	}
	if f.recordExists(stale) {
		t.Fatalf("stale terminal record survived")
	}
	if !f.recordExists(activeOld) {
		t.Fatalf("active record removed")
	}
}

func TestUploadDeletionCapOldestFirst(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUploadDeletions = 3
	f := newFixture(t, cfg)

	// Five expired uploads, strictly ordered mtimes. Only the three
	// oldest may go this sweep.
	names := []string{"a.pdf", "b.pdf", "c.pdf", "d.pdf", "e.pdf"}
	for i, name := range names {
		path := filepath.Join(f.store.UploadsRoot(), name)
		if err := os.WriteFile(path, []byte("doc"), 0o644); err != nil {
			t.Fatalf("write upload: %v", err)
		}
		stamp := f.now.Add(-time.Duration(30-i) * time.Hour)
		if err := os.Chtimes(path, stamp, stamp); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}

	sum := f.svc.RunOnce(context.Background())

	if sum.Uploads != 3 {
		t.Fatalf("summary = %#v, want 3 uploads", sum)
	}
	for _, name := range names[:3] {
		if _, err := os.Stat(filepath.Join(f.store.UploadsRoot(), name)); !os.IsNotExist(err) {
			t.Fatalf("oldest upload %s survived the capped sweep", name)
		}
	}
	for _, name := range names[3:] {
		if _, err := os.Stat(filepath.Join(f.store.UploadsRoot(), name)); err != nil {
			t.Fatalf("newer upload %s removed past the cap: %v", name, err)
		}
	}
}

func TestFreshUploadsSurvive(t *testing.T) {
	f := newFixture(t, testConfig())
	path := filepath.Join(f.store.UploadsRoot(), "recent.pdf")
	if err := os.WriteFile(path, []byte("doc"), 0o644); err != nil {
		t.Fatalf("write upload: %v", err)
	}

	sum := f.svc.RunOnce(context.Background())

	if sum.Uploads != 0 {
		t.Fatalf("summary = %#v, want no upload removals", sum)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("fresh upload removed: %v", err)
	}
}

func TestDisabledGatesSkipSweeps(t *testing.T) {
	cfg := testConfig()
	cfg.OutputsEnabled = false
	cfg.UploadsEnabled = false
	f := newFixture(t, cfg)

	expired := f.seedJob(t, domain.JobStatusCompleted, 200*time.Hour)
	upload := filepath.Join(f.store.UploadsRoot(), "ancient.pdf")
	if err := os.WriteFile(upload, []byte("doc"), 0o644); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	stamp := f.now.Add(-200 * time.Hour)
	if err := os.Chtimes(upload, stamp, stamp); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	sum := f.svc.RunOnce(context.Background())

	if sum.total() != 0 {
		t.Fatalf("summary = %#v, want nothing removed with gates off", sum)
	}
	if !f.dirExists(expired) || !f.recordExists(expired) {
		t.Fatalf("gated sweep still removed artifacts")
	}
	if _, err := os.Stat(upload); err != nil {
		t.Fatalf("gated sweep still removed upload: %v", err)
	}
}
