package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/lectern-backend/internal/artifact"
	"github.com/yungbote/lectern-backend/internal/covergen"
	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/jobs"
	"github.com/yungbote/lectern-backend/internal/media"
	"github.com/yungbote/lectern-backend/internal/observability"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
	scriptgen "github.com/yungbote/lectern-backend/internal/script"
	"github.com/yungbote/lectern-backend/internal/utils"
)

// ErrNotResumable is returned when a resume request targets a job whose
// artifacts cannot seed a new run.
var ErrNotResumable = errors.New("job is not resumable")

// ErrJobActive is returned when a resume request targets a job that is still
// running.
var ErrJobActive = errors.New("job is still active")

const (
	coverWidth  = 1280
	coverHeight = 720

	// Thumbnails come from early in the video so covers do not spoil the
	// conclusion slide.
	thumbnailMaxOffsetSec = 5.0
)

// Orchestrator drives one job through analyze, script, sections, and
// composite. It owns every status and progress write for the jobs it runs;
// section workers only touch their own section directories.
type Orchestrator struct {
	log       *logger.Logger
	store     *artifact.Store
	manager   *jobs.Manager
	analyzer  *scriptgen.Analyzer
	generator *scriptgen.Generator
	worker    *SectionWorker
	tools     media.Tools
	cover     *covergen.Generator

	concurrency   int
	keepOnlyFinal bool
}

func NewOrchestrator(
	log *logger.Logger,
	store *artifact.Store,
	manager *jobs.Manager,
	analyzer *scriptgen.Analyzer,
	generator *scriptgen.Generator,
	worker *SectionWorker,
	tools media.Tools,
	cover *covergen.Generator,
) *Orchestrator {
	olog := log.With("service", "Orchestrator")

	concurrency := utils.GetEnvAsInt("SECTION_CONCURRENCY", 4, olog)
	if concurrency < 1 {
		concurrency = 1
	}

	return &Orchestrator{
		log:           olog,
		store:         store,
		manager:       manager,
		analyzer:      analyzer,
		generator:     generator,
		worker:        worker,
		tools:         tools,
		cover:         cover,
		concurrency:   concurrency,
		keepOnlyFinal: utils.GetEnvAsBool("OUTPUT_KEEP_ONLY_FINAL", true, olog),
	}
}

// Run processes one job to a terminal status. It is meant to be launched on
// its own goroutine after the job is created; every failure path lands in
// Fail with a human-readable message, except shutdown, which leaves the job
// active for recovery on the next boot.
func (o *Orchestrator) Run(ctx context.Context, jobID string) {
	observability.ActiveJobs.Inc()
	defer observability.ActiveJobs.Dec()

	log := o.log.With("job_id", jobID)

	job, err := o.manager.Get(jobID)
	if err != nil {
		log.Error("cannot run unknown job", "error", err)
		return
	}
	if job.Request == nil {
		o.fail(jobID, "Job has no generation request", nil)
		return
	}

	if job.ResumedFrom != "" {
		o.adoptArtifacts(jobID, job.ResumedFrom)
	}
	if err := o.store.EnsureJobDir(jobID); err != nil {
		o.fail(jobID, "Could not create the job workspace", err)
		return
	}

	script := o.loadScript(jobID)
	if script == nil {
		analysis, err := o.analyze(ctx, jobID, job.Request)
		if err != nil {
			if o.interrupted(ctx, jobID) {
				return
			}
			o.fail(jobID, "Document analysis failed", err)
			return
		}
		script, err = o.generateScript(ctx, jobID, job.Request, analysis)
		if err != nil {
			if o.interrupted(ctx, jobID) {
				return
			}
			o.fail(jobID, "Script generation failed", err)
			return
		}
	}

	if err := o.runSections(ctx, job, script); err != nil {
		if o.interrupted(ctx, jobID) {
			return
		}
		o.fail(jobID, "Section processing failed: "+firstLine(err.Error()), err)
		return
	}

	result, err := o.composite(ctx, job, script)
	if err != nil {
		if o.interrupted(ctx, jobID) {
			return
		}
		o.fail(jobID, "Video composition failed", err)
		return
	}

	if _, err := o.manager.Complete(jobID, result, "Video ready"); err != nil {
		log.Error("could not mark job completed", "error", err)
		return
	}
	if o.keepOnlyFinal {
		if err := o.store.PruneForSuccess(jobID); err != nil {
			log.Warn("success cleanup failed", "error", err)
		}
	}
	log.Info("job completed", "duration", result.Duration, "sections", result.Sections)
}

// ResumeJob validates a resume request against the old job's artifacts and
// creates the successor record. The old request fills any field the new one
// leaves blank; the caller launches Run on the returned job.
func (o *Orchestrator) ResumeJob(req *domain.GenerateRequest) (*domain.Job, error) {
	old, err := o.manager.Get(req.ResumeJobID)
	if err != nil {
		return nil, err
	}
	if old.Status.Active() {
		return nil, ErrJobActive
	}
	snapshot, err := o.store.Snapshot(req.ResumeJobID)
	if err != nil || !snapshot.Resumable() {
		return nil, ErrNotResumable
	}

	if old.Request != nil {
		mergeRequest(req, old.Request)
	}
	job, err := o.manager.Create(req)
	if err != nil {
		return nil, err
	}
	o.log.Info("job resumed",
		"job_id", job.ID,
		"resumed_from", req.ResumeJobID,
		"completed_sections", len(snapshot.CompletedSections),
		"total_sections", snapshot.TotalSections,
	)
	return job, nil
}

// CompleteFromArtifacts composes the final video for a job whose sections
// already exist on disk, without touching the LLM or TTS. Startup recovery
// uses it for jobs interrupted after their last section finished.
func (o *Orchestrator) CompleteFromArtifacts(ctx context.Context, jobID string) error {
	job, err := o.manager.Get(jobID)
	if err != nil {
		return err
	}
	script, err := o.store.LoadScript(jobID)
	if err != nil {
		return fmt.Errorf("load script: %w", err)
	}
	snapshot := o.store.SnapshotWithScript(jobID, script)
	if remaining := snapshot.Remaining(); len(remaining) > 0 {
		return fmt.Errorf("%d of %d sections incomplete", len(remaining), snapshot.TotalSections)
	}

	result, err := o.composite(ctx, job, script)
	if err != nil {
		return err
	}
	if _, err := o.manager.Complete(jobID, result, "Video ready"); err != nil {
		return err
	}
	if o.keepOnlyFinal {
		if err := o.store.PruneForSuccess(jobID); err != nil {
			o.log.Warn("success cleanup failed", "job_id", jobID, "error", err)
		}
	}
	return nil
}

// adoptArtifacts moves the previous job's directory under the new id so the
// progress snapshot sees its script and finished sections. Failure to adopt
// is not fatal; the run starts fresh.
func (o *Orchestrator) adoptArtifacts(jobID, fromJobID string) {
	oldDir := o.store.JobDir(fromJobID)
	newDir := o.store.JobDir(jobID)

	if _, err := os.Stat(oldDir); err != nil {
		o.log.Warn("no artifacts to adopt", "job_id", jobID, "resumed_from", fromJobID)
		return
	}
	if _, err := os.Stat(newDir); err == nil {
		o.log.Warn("job dir already exists, not adopting", "job_id", jobID, "resumed_from", fromJobID)
		return
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		o.log.Warn("could not adopt artifacts, starting fresh", "job_id", jobID, "resumed_from", fromJobID, "error", err)
		return
	}
	o.log.Info("adopted artifacts", "job_id", jobID, "resumed_from", fromJobID)
}

// loadScript returns the persisted script when one exists and has sections;
// nil means the analyze and script stages must run.
func (o *Orchestrator) loadScript(jobID string) *domain.Script {
	script, err := o.store.LoadScript(jobID)
	if err != nil || script == nil || len(script.Sections) == 0 {
		return nil
	}
	o.log.Info("script found on disk, skipping analysis and generation",
		"job_id", jobID, "sections", len(script.Sections))
	return script
}

func (o *Orchestrator) analyze(ctx context.Context, jobID string, req *domain.GenerateRequest) (*domain.Analysis, error) {
	if _, err := o.manager.UpdateStatus(jobID, domain.JobStatusAnalyzing, "Analyzing source material"); err != nil {
		return nil, err
	}
	o.manager.ReportStageProgress(jobID, jobs.StageAnalysis, 0, "Analyzing source material")

	if req.AnalysisID != "" {
		if analysis, ok := o.analyzer.Get(req.AnalysisID); ok {
			o.manager.ReportStageProgress(jobID, jobs.StageAnalysis, 100, "Using existing analysis")
			return analysis, nil
		}
		o.log.Warn("analysis id unknown, re-analyzing", "job_id", jobID, "analysis_id", req.AnalysisID)
	}
	if req.FileID == "" {
		o.manager.ReportStageProgress(jobID, jobs.StageAnalysis, 100, "No document to analyze")
		return nil, nil
	}

	uploadPath, err := o.store.FindUpload(req.FileID)
	if err != nil {
		return nil, fmt.Errorf("find upload %s: %w", req.FileID, err)
	}
	analysis, err := o.analyzer.Analyze(ctx, req.FileID, uploadPath)
	if err != nil {
		return nil, err
	}
	o.manager.ReportStageProgress(jobID, jobs.StageAnalysis, 100, "Document analyzed")
	return analysis, nil
}

func (o *Orchestrator) generateScript(ctx context.Context, jobID string, req *domain.GenerateRequest, analysis *domain.Analysis) (*domain.Script, error) {
	if _, err := o.manager.UpdateStatus(jobID, domain.JobStatusGeneratingScript, "Writing the video script"); err != nil {
		return nil, err
	}
	o.manager.ReportStageProgress(jobID, jobs.StageScript, 0, "Writing the video script")

	script, err := o.generator.Generate(ctx, scriptgen.Request{
		Topics:          req.Topics,
		DocumentContext: req.DocumentContext,
		ContentFocus:    req.ContentFocus,
		Language:        req.Language,
		VideoMode:       req.VideoMode,
		Analysis:        analysis,
	})
	if err != nil {
		return nil, err
	}
	if err := o.store.SaveScript(jobID, script); err != nil {
		return nil, fmt.Errorf("save script: %w", err)
	}
	o.manager.ReportStageProgress(jobID, jobs.StageScript, 100, "Script ready")
	return script, nil
}

// runSections processes every section the progress snapshot says is missing,
// at most concurrency at a time. The first failure cancels outstanding
// sections; finished section videos stay on disk for resume.
func (o *Orchestrator) runSections(ctx context.Context, job *domain.Job, script *domain.Script) error {
	jobID := job.ID
	total := len(script.Sections)

	if _, err := o.manager.UpdateStatus(jobID, domain.JobStatusCreatingAnimations, "Creating sections"); err != nil {
		return err
	}

	snapshot := o.store.SnapshotWithScript(jobID, script)
	completed := len(snapshot.CompletedSections)
	remaining := snapshot.Remaining()

	if _, err := o.manager.SetSectionCounts(jobID, completed, total); err != nil {
		o.log.Warn("could not set section counts", "job_id", jobID, "error", err)
	}
	o.manager.ReportStageProgress(jobID, jobs.StageSections,
		float64(completed)/float64(total)*100,
		fmt.Sprintf("Completed %d of %d sections", completed, total))

	if len(remaining) == 0 {
		o.log.Info("all sections already on disk", "job_id", jobID, "sections", total)
		return nil
	}
	o.log.Info("processing sections",
		"job_id", jobID, "remaining", len(remaining), "total", total, "concurrency", o.concurrency)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	for _, index := range remaining {
		g.Go(func() error {
			section := script.Sections[index-1]
			if _, err := o.worker.ProcessSection(gctx, job, section, index); err != nil {
				return fmt.Errorf("section %d: %w", index, err)
			}

			mu.Lock()
			completed++
			done := completed
			mu.Unlock()

			if _, err := o.manager.SetSectionCounts(jobID, done, total); err != nil {
				o.log.Warn("could not set section counts", "job_id", jobID, "error", err)
			}
			o.manager.ReportStageProgress(jobID, jobs.StageSections,
				float64(done)/float64(total)*100,
				fmt.Sprintf("Completed %d of %d sections", done, total))
			return nil
		})
	}
	return g.Wait()
}

// composite concatenates section videos in index order, probes timing,
// produces the thumbnail, and writes video_info.json.
func (o *Orchestrator) composite(ctx context.Context, job *domain.Job, script *domain.Script) (*domain.JobResult, error) {
	jobID := job.ID

	if _, err := o.manager.UpdateStatus(jobID, domain.JobStatusComposingVideo, "Combining sections into the final video"); err != nil {
		return nil, err
	}
	o.manager.ReportStageProgress(jobID, jobs.StageCombining, 0, "Combining sections")

	paths, err := o.sectionVideos(jobID, len(script.Sections))
	if err != nil {
		return nil, err
	}

	listPath := o.store.ConcatListPath(jobID)
	if err := renameio.WriteFile(listPath, []byte(media.BuildConcatList(paths)), 0o644); err != nil {
		return nil, fmt.Errorf("write concat list: %w", err)
	}
	finalPath := o.store.FinalVideoPath(jobID)
	if err := o.tools.ConcatVideos(ctx, listPath, finalPath); err != nil {
		return nil, fmt.Errorf("concatenate sections: %w", err)
	}
	o.manager.ReportStageProgress(jobID, jobs.StageCombining, 40, "Sections combined")

	chapters, total := o.buildChapters(ctx, script, paths)
	if probed, err := o.tools.ProbeDuration(ctx, finalPath); err == nil && probed > 0 {
		total = probed
		if n := len(chapters); n > 0 && probed > chapters[n-1].Start {
			chapters[n-1].End = probed
		}
	}

	thumbPath := o.thumbnail(ctx, jobID, finalPath, script.Title, total)
	o.manager.ReportStageProgress(jobID, jobs.StageCombining, 70, "Thumbnail ready")

	info := &domain.VideoInfo{
		Title:       script.Title,
		Duration:    total,
		Sections:    chapters,
		CreatedAt:   time.Now().UTC(),
		ResumedFrom: job.ResumedFrom,
	}
	if err := o.store.WriteVideoInfo(jobID, info); err != nil {
		return nil, fmt.Errorf("write video info: %w", err)
	}
	o.manager.ReportStageProgress(jobID, jobs.StageCombining, 100, "Final video ready")

	return &domain.JobResult{
		VideoPath:     finalPath,
		ThumbnailPath: thumbPath,
		Duration:      total,
		Sections:      len(script.Sections),
	}, nil
}

// sectionVideos collects section video paths in index order, honoring the
// legacy merged_<i>.mp4 name for directories produced by older builds.
func (o *Orchestrator) sectionVideos(jobID string, total int) ([]string, error) {
	paths := make([]string, 0, total)
	for i := 1; i <= total; i++ {
		path := o.store.SectionVideoPath(jobID, i)
		if !nonEmptyFile(path) {
			legacy := o.store.LegacySectionVideoPath(jobID, i)
			if !nonEmptyFile(legacy) {
				return nil, fmt.Errorf("video for section %d is missing", i)
			}
			path = legacy
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// buildChapters derives chapter boundaries from cumulative section durations.
// A section that cannot be probed contributes zero width rather than failing
// the composite.
func (o *Orchestrator) buildChapters(ctx context.Context, script *domain.Script, paths []string) ([]domain.Chapter, float64) {
	chapters := make([]domain.Chapter, 0, len(paths))
	cursor := 0.0
	for i, path := range paths {
		duration, err := o.tools.ProbeDuration(ctx, path)
		if err != nil || duration < 0 {
			o.log.Warn("could not probe section duration", "path", path, "error", err)
			duration = 0
		}
		chapters = append(chapters, domain.Chapter{
			Title: script.Sections[i].Heading,
			Start: cursor,
			End:   cursor + duration,
		})
		cursor += duration
	}
	return chapters, cursor
}

// thumbnail extracts a frame from the final video, falling back to a drawn
// title card. An empty return means both attempts failed; the job still
// completes.
func (o *Orchestrator) thumbnail(ctx context.Context, jobID, videoPath, title string, total float64) string {
	path := o.store.ThumbnailPath(jobID)

	at := total / 2
	if at > thumbnailMaxOffsetSec {
		at = thumbnailMaxOffsetSec
	}
	if err := o.tools.ExtractFrame(ctx, videoPath, at, path); err == nil {
		return path
	} else {
		o.log.Warn("thumbnail extraction failed, drawing title card", "job_id", jobID, "error", err)
	}

	if err := o.cover.WriteJPEG(path, title, coverWidth, coverHeight); err != nil {
		o.log.Warn("title card failed, completing without thumbnail", "job_id", jobID, "error", err)
		return ""
	}
	return path
}

func (o *Orchestrator) fail(jobID, message string, cause error) {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	if _, err := o.manager.Fail(jobID, message, detail); err != nil {
		o.log.Error("could not mark job failed", "job_id", jobID, "error", err)
	}
}

// interrupted distinguishes shutdown from real failure: a canceled root
// context leaves the job active so startup recovery can pick it up.
func (o *Orchestrator) interrupted(ctx context.Context, jobID string) bool {
	if ctx.Err() == nil {
		return false
	}
	o.log.Warn("job interrupted by shutdown, leaving artifacts for recovery", "job_id", jobID)
	return true
}

// mergeRequest fills blank fields of req from the job being resumed.
func mergeRequest(req, old *domain.GenerateRequest) {
	if len(req.Topics) == 0 {
		req.Topics = append([]string(nil), old.Topics...)
	}
	if req.FileID == "" {
		req.FileID = old.FileID
	}
	if req.AnalysisID == "" {
		req.AnalysisID = old.AnalysisID
	}
	if req.DocumentContext == "" {
		req.DocumentContext = old.DocumentContext
	}
	if req.ContentFocus == "" {
		req.ContentFocus = old.ContentFocus
	}
	if req.Language == "" {
		req.Language = old.Language
	}
	if req.Voice == "" {
		req.Voice = old.Voice
	}
	if req.VideoMode == "" {
		req.VideoMode = old.VideoMode
	}
}

func nonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
