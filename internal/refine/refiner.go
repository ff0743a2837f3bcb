package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/yungbote/lectern-backend/internal/artifact"
	"github.com/yungbote/lectern-backend/internal/clients/gemini"
	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/media"
	"github.com/yungbote/lectern-backend/internal/observability"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
	"github.com/yungbote/lectern-backend/internal/utils"
)

// Settings tune the refinement loop. Temperature climbs with each retry so a
// model stuck on one bad sample gets a different one.
type Settings struct {
	MaxAttempts   int
	TempBase      float64
	TempIncrement float64
	RenderQuality media.RenderQuality
	RenderTimeout time.Duration
}

func (s Settings) Temperature(attempt int) float64 {
	return s.TempBase + float64(attempt)*s.TempIncrement
}

func SettingsFromEnv(log *logger.Logger) Settings {
	attempts := utils.GetEnvAsInt("MAX_REFINE_ATTEMPTS", 3, log)
	if attempts < 1 {
		attempts = 1
	}
	base := utils.GetEnvAsFloat("REFINE_TEMP_BASE", 0.35, log)
	if base < 0 {
		base = 0
	}
	if base > 2.0 {
		base = 2.0
	}
	increment := utils.GetEnvAsFloat("REFINE_TEMP_INCREMENT", 0.15, log)
	if increment < 0 {
		increment = 0
	}
	if increment > 0.5 {
		increment = 0.5
	}
	quality := media.RenderQuality(utils.GetEnv("RENDER_QUALITY", string(media.QualityLow), log))
	switch quality {
	case media.QualityLow, media.QualityMedium, media.QualityHigh:
	default:
		quality = media.QualityLow
	}
	return Settings{
		MaxAttempts:   attempts,
		TempBase:      base,
		TempIncrement: increment,
		RenderQuality: quality,
		RenderTimeout: utils.GetEnvAsDuration("RENDER_TIMEOUT", 900*time.Second, time.Second, log),
	}
}

// RefineRequest is one section's animation work order. Audio must carry the
// final narration timings; the scene is choreographed against them.
type RefineRequest struct {
	JobID    string
	Index    int // 1-based section index
	Section  domain.ScriptSection
	Audio    *domain.SectionAudio
	Language string
	Mode     string
}

// Refined is the accepted output of one section's refinement. Issues carries
// whatever survived vision review without blocking acceptance.
type Refined struct {
	VideoPath string
	ScenePath string
	PlanPath  string
	Duration  float64
	Issues    []domain.ValidationIssue
}

// Refiner turns one script section plus its narration audio into an accepted
// silent video: choreograph, implement, then validate-fix-probe until clean
// or out of attempts, then render and true up the timing.
type Refiner struct {
	log      *logger.Logger
	tools    media.Tools
	renderer media.Renderer
	store    *artifact.Store
	settings Settings
	theme    Theme

	choreographer *Choreographer
	implementer   *Implementer
	validator     *Validator
	fixer         *Fixer
	probe         *Probe
	surgeon       *Surgeon
	vision        *VisionReviewer
}

func NewRefiner(log *logger.Logger, llm gemini.Client, tools media.Tools, renderer media.Renderer, store *artifact.Store) *Refiner {
	settings := SettingsFromEnv(log)
	theme, err := LoadTheme(utils.GetEnv("THEME_PATH", "", log))
	if err != nil {
		log.Warn("theme load failed, using defaults", "error", err.Error())
		theme = DefaultTheme()
	}
	return &Refiner{
		log:           log.With("service", "SectionRefiner"),
		tools:         tools,
		renderer:      renderer,
		store:         store,
		settings:      settings,
		theme:         theme,
		choreographer: NewChoreographer(log, llm, settings),
		implementer:   NewImplementer(log, llm, settings),
		validator:     NewValidator(log),
		fixer:         NewFixer(log),
		probe:         NewProbe(log, renderer),
		surgeon:       NewSurgeon(log, llm, tools),
		vision:        NewVisionReviewer(log, llm, tools),
	}
}

func (r *Refiner) Settings() Settings { return r.settings }

func (r *Refiner) RefineSection(ctx context.Context, req RefineRequest) (*Refined, error) {
	if req.Audio == nil || req.Audio.Duration <= 0 {
		return nil, fmt.Errorf("section %d: narration timings required before animation", req.Index)
	}
	if err := r.store.EnsureSectionDir(req.JobID, req.Index); err != nil {
		return nil, err
	}

	sceneName := SceneName(req.Index)
	mediaDir := r.store.SectionMediaDir(req.JobID, req.Index)
	triage := NewTriage()

	plan, rawPlan, err := r.choreographer.Plan(ctx, req, r.theme)
	if err != nil {
		return nil, err
	}
	planPath := r.store.ChoreographyPlanPath(req.JobID, req.Index)
	if err := r.store.WriteJSON(planPath, json.RawMessage(rawPlan)); err != nil {
		return nil, err
	}

	code, err := r.implementer.Implement(ctx, req, plan, r.theme)
	if err != nil {
		return nil, err
	}
	code, applied := r.fixer.Apply(code)
	if len(applied) > 0 {
		r.log.Debug("always-on rewrites applied", "section", req.Index, "rules", applied)
	}

	code, pending, err := r.refineLoop(ctx, req, sceneName, mediaDir, triage, code)
	if err != nil {
		return nil, err
	}

	finalPath := r.store.FinalScenePath(req.JobID, req.Index)
	if err := r.store.WriteSceneFile(finalPath, code); err != nil {
		return nil, err
	}

	videoPath, err := r.renderFinal(ctx, finalPath, sceneName, mediaDir)
	if err != nil {
		return nil, err
	}

	code, videoPath, duration, err := r.trueUpTiming(ctx, req, finalPath, sceneName, mediaDir, code, videoPath)
	if err != nil {
		return nil, err
	}

	open, err := r.settlePending(ctx, req, triage, pending, finalPath, sceneName, mediaDir, &code, &videoPath, &duration)
	if err != nil {
		return nil, err
	}

	r.log.Info("section refined",
		"job_id", req.JobID,
		"section", req.Index,
		"duration", duration,
		"open_issues", len(open),
	)
	return &Refined{
		VideoPath: videoPath,
		ScenePath: finalPath,
		PlanPath:  planPath,
		Duration:  duration,
		Issues:    open,
	}, nil
}

// refineLoop drives the validate-fix-probe passes. It returns the accepted
// code plus issues parked for vision review, or a RefinementError when the
// attempts run out with actionable issues still open.
func (r *Refiner) refineLoop(ctx context.Context, req RefineRequest, sceneName, mediaDir string, triage *Triage, code string) (string, []domain.ValidationIssue, error) {
	pending := map[string]domain.ValidationIssue{}
	var lastOpen []domain.ValidationIssue

	for attempt := 0; attempt < r.settings.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		scenePath := r.store.SceneFilePath(req.JobID, req.Index, attempt)
		if err := r.store.WriteSceneFile(scenePath, code); err != nil {
			return "", nil, err
		}

		issues := r.validator.Validate(ctx, code)
		probeIssues, err := r.runProbe(ctx, scenePath, sceneName, code, mediaDir)
		if err != nil {
			return "", nil, err
		}
		issues = append(issues, probeIssues...)
		issues = triage.Filter(issues)

		routed := triage.Route(issues)
		for _, issue := range routed.Verify {
			pending[pendingKey(issue)] = issue
		}
		r.log.Info("refinement pass",
			"section", req.Index,
			"attempt", attempt+1,
			"auto_fix", len(routed.AutoFix),
			"llm", len(routed.LLM),
			"verify", len(routed.Verify),
			"dropped", len(routed.Dropped),
		)

		if !routed.Actionable() {
			return code, pendingList(pending), nil
		}
		lastOpen = append(append([]domain.ValidationIssue{}, routed.AutoFix...), routed.LLM...)

		if len(routed.AutoFix) > 0 {
			next, consumed := r.fixer.ApplyIssues(code, routed.AutoFix)
			code = next
			if len(consumed) < len(routed.AutoFix) {
				r.log.Warn("auto-fix left issues unconsumed", "section", req.Index, "unconsumed", len(routed.AutoFix)-len(consumed))
			}
		}
		if len(routed.LLM) > 0 {
			edited, serr := r.surgeon.Edit(ctx, SurgicalRequest{
				Code:      code,
				Issues:    routed.LLM,
				SceneName: sceneName,
			}, func(c string) []domain.ValidationIssue {
				return r.validator.Validate(ctx, c)
			})
			if serr != nil {
				if ctx.Err() != nil {
					return "", nil, ctx.Err()
				}
				r.log.Warn("surgical edit failed", "section", req.Index, "attempt", attempt+1, "error", serr.Error())
			}
			code = edited
		}
	}
	return "", nil, &domain.RefinementError{Attempts: r.settings.MaxAttempts, Issues: lastOpen}
}

// runProbe dry-runs the scene with the spatial checker injected. The
// instrumented copy is written next to the attempt's scene file so failed
// probes stay inspectable.
func (r *Refiner) runProbe(ctx context.Context, scenePath, sceneName, code, mediaDir string) ([]domain.ValidationIssue, error) {
	instrumented, err := InjectChecker(code)
	if err != nil {
		r.log.Warn("spatial checker injection failed", "error", err.Error())
		instrumented = code
	}
	probePath := filepath.Join(filepath.Dir(scenePath), "scene_probe.py")
	if err := r.store.WriteSceneFile(probePath, instrumented); err != nil {
		return nil, err
	}
	return r.probe.Run(ctx, probePath, sceneName, mediaDir)
}

// renderFinal produces the section's silent video. A failed render gets one
// retry at low quality before the section is abandoned.
func (r *Refiner) renderFinal(ctx context.Context, scenePath, sceneName, mediaDir string) (string, error) {
	observability.RenderAttemptsTotal.Inc()
	out, err := r.renderer.Render(ctx, media.RenderSpec{
		SceneFile:  scenePath,
		SceneClass: sceneName,
		Quality:    r.settings.RenderQuality,
		MediaDir:   mediaDir,
		Timeout:    r.settings.RenderTimeout,
	})
	if err == nil {
		return out.VideoPath, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	r.log.Warn("final render failed, retrying at low quality", "scene", sceneName, "error", err.Error())

	observability.RenderAttemptsTotal.Inc()
	retry, rerr := r.renderer.Render(ctx, media.RenderSpec{
		SceneFile:  scenePath,
		SceneClass: sceneName,
		Quality:    media.QualityLow,
		MediaDir:   mediaDir,
		Timeout:    r.settings.RenderTimeout,
	})
	if rerr == nil {
		return retry.VideoPath, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	stderr := ""
	if retry != nil {
		stderr = tailOf(retry.Log, 2000)
	} else if out != nil {
		stderr = tailOf(out.Log, 2000)
	}
	return "", &domain.RenderingError{Stderr: stderr, Err: rerr}
}

// trueUpTiming compares the rendered duration against the narration and pads
// the scene when it runs short, re-rendering once.
func (r *Refiner) trueUpTiming(ctx context.Context, req RefineRequest, finalPath, sceneName, mediaDir, code, videoPath string) (string, string, float64, error) {
	duration, err := r.tools.ProbeDuration(ctx, videoPath)
	if err != nil {
		r.log.Warn("duration probe failed, skipping timing adjustment", "section", req.Index, "error", err.Error())
		return code, videoPath, req.Audio.Duration, nil
	}

	adjusted, changed := AdjustTiming(code, duration, req.Audio.Duration)
	if !changed {
		if req.Audio.Duration-duration > timingTolerance {
			r.log.Warn("scene runs short and could not be padded", "section", req.Index, "video", duration, "audio", req.Audio.Duration)
		}
		return code, videoPath, duration, nil
	}

	r.log.Info("padding scene to narration length", "section", req.Index, "video", duration, "audio", req.Audio.Duration)
	if err := r.store.WriteSceneFile(finalPath, adjusted); err != nil {
		return "", "", 0, err
	}
	newVideo, err := r.renderFinal(ctx, finalPath, sceneName, mediaDir)
	if err != nil {
		return "", "", 0, err
	}
	newDuration, err := r.tools.ProbeDuration(ctx, newVideo)
	if err != nil {
		newDuration = req.Audio.Duration
	}
	return adjusted, newVideo, newDuration, nil
}

// settlePending runs vision review over issues parked during the loop.
// Confirmed false positives are whitelisted; confirmed real ones get one
// surgical pass and one re-render, and whatever remains is reported open.
func (r *Refiner) settlePending(ctx context.Context, req RefineRequest, triage *Triage, pending []domain.ValidationIssue, finalPath, sceneName, mediaDir string, code, videoPath *string, duration *float64) ([]domain.ValidationIssue, error) {
	if len(pending) == 0 {
		return nil, nil
	}
	frameDir := filepath.Join(mediaDir, "frames")

	real, falseKeys, err := r.vision.Review(ctx, *videoPath, frameDir, pending)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.log.Warn("vision review failed, keeping issues open", "section", req.Index, "error", err.Error())
	}
	for _, key := range falseKeys {
		triage.Whitelist(key)
	}
	if len(real) == 0 {
		return nil, nil
	}

	edited, serr := r.surgeon.Edit(ctx, SurgicalRequest{
		Code:      *code,
		Issues:    real,
		SceneName: sceneName,
		VideoPath: *videoPath,
		FrameDir:  frameDir,
	}, func(c string) []domain.ValidationIssue {
		return r.validator.Validate(ctx, c)
	})
	if serr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.log.Warn("vision-driven edit failed", "section", req.Index, "error", serr.Error())
	}
	if edited == *code {
		return real, nil
	}

	if err := r.store.WriteSceneFile(finalPath, edited); err != nil {
		return nil, err
	}
	newVideo, err := r.renderFinal(ctx, finalPath, sceneName, mediaDir)
	if err != nil {
		return nil, err
	}
	*code = edited
	*videoPath = newVideo
	if d, derr := r.tools.ProbeDuration(ctx, newVideo); derr == nil {
		*duration = d
	}
	return real, nil
}

func pendingKey(issue domain.ValidationIssue) string {
	if issue.WhitelistKey != "" {
		return issue.WhitelistKey
	}
	return fmt.Sprintf("%s:%s:%s", issue.Category, issue.Object, issue.Message)
}

func pendingList(pending map[string]domain.ValidationIssue) []domain.ValidationIssue {
	if len(pending) == 0 {
		return nil
	}
	out := make([]domain.ValidationIssue, 0, len(pending))
	for _, issue := range pending {
		out = append(out, issue)
	}
	return out
}
