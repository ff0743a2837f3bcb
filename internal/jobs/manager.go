package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/observability"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

// ErrNotFound is returned when no record exists for a job id, in cache or on
// disk.
var ErrNotFound = errors.New("job not found")

// ErrTerminal is returned when a mutation targets a completed or failed job.
var ErrTerminal = errors.New("job is terminal")

const (
	defaultCacheLimit = 200
	minCacheLimit     = 25

	// Error strings persisted into records are clipped so one giant
	// traceback cannot bloat every ListAll response.
	maxPersistedError = 900
)

// Notifier receives job lifecycle events after each successful mutation. The
// realtime hub implements it; a nil notifier is a no-op.
type Notifier interface {
	JobCreated(job *domain.Job)
	JobProgress(job *domain.Job, stage string, progress int, message string)
	JobDone(job *domain.Job)
	JobFailed(job *domain.Job, errorMessage string)
}

// Manager owns the durable job records under dataRoot, one JSON file per job,
// plus a bounded in-memory cache in front of them.
//
// Durability contract: every mutation reaches the disk record (atomic
// temp+rename) before the method returns. The record file is written only by
// this manager.
//
// Locking: one mutex guards the cache map. Helpers named load*/persist* do
// their own I/O and take the lock themselves; they must not be called with
// the lock held.
type Manager struct {
	log      *logger.Logger
	dataRoot string
	notifier Notifier

	mu         sync.Mutex
	cache      map[string]*domain.Job
	cacheLimit int
}

func NewManager(log *logger.Logger, dataRoot string, cacheLimit int, notifier Notifier) (*Manager, error) {
	if strings.TrimSpace(dataRoot) == "" {
		return nil, fmt.Errorf("dataRoot required")
	}
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create job data root: %w", err)
	}

	mlog := log.With("service", "JobManager")
	if cacheLimit <= 0 {
		cacheLimit = defaultCacheLimit
	}
	if cacheLimit < minCacheLimit {
		mlog.Warn("cache limit below floor, clamping", "requested", cacheLimit, "floor", minCacheLimit)
		cacheLimit = minCacheLimit
	}

	return &Manager{
		log:        mlog,
		dataRoot:   dataRoot,
		notifier:   notifier,
		cache:      make(map[string]*domain.Job),
		cacheLimit: cacheLimit,
	}, nil
}

func (m *Manager) recordPath(jobID string) string {
	return filepath.Join(m.dataRoot, jobID+".json")
}

// Create writes a fresh pending record and admits it to the cache.
func (m *Manager) Create(req *domain.GenerateRequest) (*domain.Job, error) {
	now := time.Now().UTC()
	job := &domain.Job{
		ID:        uuid.NewString(),
		Status:    domain.JobStatusPending,
		Progress:  0,
		Message:   "Job created",
		CreatedAt: now,
		UpdatedAt: now,
		Request:   req,
	}
	if req != nil && req.ResumeJobID != "" {
		job.ResumedFrom = req.ResumeJobID
	}
	if err := m.persist(job); err != nil {
		return nil, err
	}
	m.admit(job)
	if m.notifier != nil {
		m.notifier.JobCreated(job.Clone())
	}
	return job.Clone(), nil
}

// Get returns the job from cache, falling back to disk. Disk hits are
// re-admitted to the cache.
func (m *Manager) Get(jobID string) (*domain.Job, error) {
	m.mu.Lock()
	if job, ok := m.cache[jobID]; ok {
		cp := job.Clone()
		m.mu.Unlock()
		return cp, nil
	}
	m.mu.Unlock()

	job, err := m.loadFromDisk(jobID)
	if err != nil {
		return nil, err
	}
	m.admit(job)
	return job.Clone(), nil
}

// UpdateStatus advances the job along the pipeline order. Moving a terminal
// record is rejected; moving backwards is rejected.
func (m *Manager) UpdateStatus(jobID string, status domain.JobStatus, message string) (*domain.Job, error) {
	job, err := m.mutate(jobID, func(j *domain.Job) error {
		if !j.Status.CanAdvanceTo(status) {
			if j.Status.Terminal() {
				return fmt.Errorf("%w: %s", ErrTerminal, j.Status)
			}
			return fmt.Errorf("illegal status transition %s -> %s", j.Status, status)
		}
		j.Status = status
		if message != "" {
			j.Message = message
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.notifyProgress(job, message)
	return job, nil
}

// UpdateProgress sets the overall progress. Progress is monotonic: a lower
// value than the stored one is clamped to stored, so stage boundaries never
// run the bar backwards.
func (m *Manager) UpdateProgress(jobID string, progress int, message string) (*domain.Job, error) {
	job, err := m.mutate(jobID, func(j *domain.Job) error {
		if j.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, j.Status)
		}
		if progress > 100 {
			progress = 100
		}
		if progress > j.Progress {
			j.Progress = progress
		}
		if message != "" {
			j.Message = message
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.notifyProgress(job, message)
	return job, nil
}

// SetSectionCounts records the section totals shown to pollers.
func (m *Manager) SetSectionCounts(jobID string, completed, total int) (*domain.Job, error) {
	return m.mutate(jobID, func(j *domain.Job) error {
		if j.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, j.Status)
		}
		j.SectionsCompleted = completed
		j.SectionsTotal = total
		return nil
	})
}

// Complete marks the job done with its result and full progress.
func (m *Manager) Complete(jobID string, result *domain.JobResult, message string) (*domain.Job, error) {
	job, err := m.mutate(jobID, func(j *domain.Job) error {
		if j.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, j.Status)
		}
		j.Status = domain.JobStatusCompleted
		j.Progress = 100
		j.Result = result
		if message != "" {
			j.Message = message
		}
		j.Error = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.recordTerminal(job)
	if m.notifier != nil {
		m.notifier.JobDone(job.Clone())
	}
	return job, nil
}

// Fail marks the job failed. Message is the human sentence shown to clients;
// errDetail, when present, is the longer diagnostic, truncated before
// persisting.
func (m *Manager) Fail(jobID string, message, errDetail string) (*domain.Job, error) {
	job, err := m.mutate(jobID, func(j *domain.Job) error {
		if j.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, j.Status)
		}
		j.Status = domain.JobStatusFailed
		if message != "" {
			j.Message = message
		}
		j.Error = truncateErr(errDetail)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.recordTerminal(job)
	if m.notifier != nil {
		m.notifier.JobFailed(job.Clone(), message)
	}
	return job, nil
}

// Delete removes the record file and cache entry, returning the last state.
// Terminal or not, deletion is always allowed.
func (m *Manager) Delete(jobID string) (*domain.Job, error) {
	job, err := m.Get(jobID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	delete(m.cache, jobID)
	m.mu.Unlock()

	if err := os.Remove(m.recordPath(jobID)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove job record: %w", err)
	}
	return job, nil
}

// Evict drops the cache entry without touching the record file. The cleanup
// service uses it after deleting a record on retention grounds.
func (m *Manager) Evict(jobID string) {
	m.mu.Lock()
	delete(m.cache, jobID)
	m.mu.Unlock()
}

// ListAll returns the union of cache and disk records, deduped by id with
// the cache winning, sorted by id.
func (m *Manager) ListAll() ([]*domain.Job, error) {
	byID := map[string]*domain.Job{}

	entries, err := os.ReadDir(m.dataRoot)
	if err != nil {
		return nil, fmt.Errorf("read job data root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		job, lerr := m.loadFromDisk(id)
		if lerr != nil {
			continue
		}
		byID[id] = job
	}

	m.mu.Lock()
	for id, job := range m.cache {
		byID[id] = job.Clone()
	}
	m.mu.Unlock()

	out := make([]*domain.Job, 0, len(byID))
	for _, job := range byID {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetInterrupted returns every non-terminal job, for startup recovery.
func (m *Manager) GetInterrupted() ([]*domain.Job, error) {
	all, err := m.ListAll()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Job, 0)
	for _, job := range all {
		if job.Status.Active() {
			out = append(out, job)
		}
	}
	return out, nil
}

// MarkInterruptedFailed force-fails every non-terminal job. Recovery calls it
// for jobs it cannot resume.
func (m *Manager) MarkInterruptedFailed() (int, error) {
	interrupted, err := m.GetInterrupted()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range interrupted {
		if _, err := m.Fail(job.ID, "Job was interrupted by server restart", ""); err != nil {
			m.log.Warn("failed to mark interrupted job", "job_id", job.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// CacheLen is test and metrics visibility into the bounded cache.
func (m *Manager) CacheLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

// -------------------- internals --------------------

// mutate runs read-modify-write-persist for one job. The record on disk
// reflects the new updated_at before mutate returns.
func (m *Manager) mutate(jobID string, apply func(*domain.Job) error) (*domain.Job, error) {
	m.mu.Lock()
	job, ok := m.cache[jobID]
	if ok {
		job = job.Clone()
	}
	m.mu.Unlock()

	if !ok {
		loaded, err := m.loadFromDisk(jobID)
		if err != nil {
			return nil, err
		}
		job = loaded
	}

	if err := apply(job); err != nil {
		return nil, err
	}
	job.UpdatedAt = time.Now().UTC()

	if err := m.persist(job); err != nil {
		return nil, err
	}
	m.admit(job)
	return job.Clone(), nil
}

func (m *Manager) notifyProgress(job *domain.Job, message string) {
	if m.notifier == nil || job == nil {
		return
	}
	m.notifier.JobProgress(job.Clone(), StageForStatus(job.Status), job.Progress, message)
}

func (m *Manager) recordTerminal(job *domain.Job) {
	observability.JobsTotal.WithLabelValues(string(job.Status)).Inc()
	if !job.CreatedAt.IsZero() {
		observability.JobDurationSeconds.Observe(job.UpdatedAt.Sub(job.CreatedAt).Seconds())
	}
}

func (m *Manager) persist(job *domain.Job) error {
	raw, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	if err := renameio.WriteFile(m.recordPath(job.ID), raw, 0o644); err != nil {
		return fmt.Errorf("write job record: %w", err)
	}
	return nil
}

// loadFromDisk reads a record file. A corrupt file is logged and reported as
// not found; the file itself is left for the cleanup service's retention
// rules.
func (m *Manager) loadFromDisk(jobID string) (*domain.Job, error) {
	raw, err := os.ReadFile(m.recordPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read job record: %w", err)
	}
	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		m.log.Warn("corrupt job record, treating as not found", "job_id", jobID, "error", err)
		return nil, ErrNotFound
	}
	if job.ID == "" {
		job.ID = jobID
	}
	return &job, nil
}

// admit inserts a job into the cache, evicting the stalest non-active
// records when over the limit. Active jobs are never evicted, so the cache
// may temporarily exceed the limit when every entry is active; losing sight
// of a live job would be worse.
func (m *Manager) admit(job *domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache[job.ID] = job.Clone()
	if len(m.cache) <= m.cacheLimit {
		return
	}

	type candidate struct {
		id        string
		updatedAt time.Time
	}
	evictable := make([]candidate, 0, len(m.cache))
	for id, j := range m.cache {
		if j.Status.Active() {
			continue
		}
		evictable = append(evictable, candidate{id: id, updatedAt: j.UpdatedAt})
	}
	sort.Slice(evictable, func(i, j int) bool {
		return evictable[i].updatedAt.Before(evictable[j].updatedAt)
	})

	for _, c := range evictable {
		if len(m.cache) <= m.cacheLimit {
			break
		}
		delete(m.cache, c.id)
	}
}

func truncateErr(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxPersistedError {
		return s
	}
	return s[:maxPersistedError] + "..."
}
