package pipeline

import (
	"context"
	"fmt"

	"github.com/yungbote/lectern-backend/internal/artifact"
	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/media"
	"github.com/yungbote/lectern-backend/internal/observability"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
	"github.com/yungbote/lectern-backend/internal/refine"
	"github.com/yungbote/lectern-backend/internal/tts"
)

// SectionWorker turns one script section into final_section.mp4. Audio comes
// first: the animation is timed against the measured narration, never the
// other way around.
//
// The worker is the single writer of its section's status.json.
type SectionWorker struct {
	log     *logger.Logger
	store   *artifact.Store
	speech  *tts.Sectionizer
	refiner *refine.Refiner
	tools   media.Tools
}

func NewSectionWorker(log *logger.Logger, store *artifact.Store, speech *tts.Sectionizer, refiner *refine.Refiner, tools media.Tools) *SectionWorker {
	return &SectionWorker{
		log:     log.With("service", "SectionWorker"),
		store:   store,
		speech:  speech,
		refiner: refiner,
		tools:   tools,
	}
}

// ProcessSection synthesizes narration, refines an animation against it, and
// muxes the two into the section's final video. Index is 1-based.
func (w *SectionWorker) ProcessSection(ctx context.Context, job *domain.Job, section domain.ScriptSection, index int) (*domain.SectionResult, error) {
	result, err := w.process(ctx, job, section, index)
	if err != nil {
		observability.SectionsTotal.WithLabelValues(observability.OutcomeError).Inc()
		if serr := w.store.WriteSectionStatus(job.ID, index, domain.SectionPhaseFailed, section.Heading, err.Error()); serr != nil {
			w.log.Warn("could not record section failure", "job_id", job.ID, "section", index, "error", serr)
		}
		return nil, err
	}
	observability.SectionsTotal.WithLabelValues(observability.OutcomeOK).Inc()
	return result, nil
}

func (w *SectionWorker) process(ctx context.Context, job *domain.Job, section domain.ScriptSection, index int) (*domain.SectionResult, error) {
	jobID := job.ID
	log := w.log.With("job_id", jobID, "section", index)

	if err := w.store.EnsureSectionDir(jobID, index); err != nil {
		return nil, fmt.Errorf("create section dir: %w", err)
	}

	var voice, language, mode string
	if job.Request != nil {
		voice = job.Request.Voice
		language = job.Request.Language
		mode = job.Request.VideoMode
	}

	if err := w.store.WriteSectionStatus(jobID, index, domain.SectionPhaseAudio, "synthesizing narration", ""); err != nil {
		log.Warn("could not write section status", "error", err)
	}
	audio, err := w.speech.SynthesizeSection(ctx, jobID, index, section, tts.SynthesisOptions{
		Voice:     voice,
		VideoMode: mode,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize narration: %w", err)
	}
	if audio == nil || audio.Duration <= 0 {
		return nil, fmt.Errorf("section %d has no narration audio", index)
	}
	log.Info("narration ready", "duration", audio.Duration, "segments", len(audio.Segments))

	if err := w.store.WriteSectionStatus(jobID, index, domain.SectionPhaseAnimation, "generating animation", ""); err != nil {
		log.Warn("could not write section status", "error", err)
	}
	refined, err := w.refiner.RefineSection(ctx, refine.RefineRequest{
		JobID:    jobID,
		Index:    index,
		Section:  section,
		Audio:    audio,
		Language: language,
		Mode:     mode,
	})
	if err != nil {
		return nil, err
	}

	outPath := w.store.SectionVideoPath(jobID, index)
	if err := w.tools.MuxAudioVideo(ctx, refined.VideoPath, audio.Path, outPath); err != nil {
		return nil, fmt.Errorf("mux section audio: %w", err)
	}

	duration, err := w.tools.ProbeDuration(ctx, outPath)
	if err != nil || duration <= 0 {
		log.Warn("could not probe section duration, using audio length", "error", err)
		duration = audio.Duration
	}

	if err := w.store.WriteSectionStatus(jobID, index, domain.SectionPhaseDone, section.Heading, ""); err != nil {
		log.Warn("could not write section status", "error", err)
	}
	log.Info("section complete", "video", outPath, "duration", duration)

	return &domain.SectionResult{
		Index:     index,
		VideoPath: outPath,
		AudioPath: audio.Path,
		Duration:  duration,
		Segments:  audio.Segments,
	}, nil
}
