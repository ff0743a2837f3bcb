package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yungbote/lectern-backend/internal/clients/gemini"
	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

const choreographerSystem = "You are an animation choreographer for educational math and science videos. You plan what appears on screen and when, synchronized to a narration track. Output ONLY JSON."

// Choreographer runs stage 1: narration plus timings in, structured plan out.
type Choreographer struct {
	log      *logger.Logger
	llm      gemini.Client
	settings Settings
}

func NewChoreographer(log *logger.Logger, llm gemini.Client, settings Settings) *Choreographer {
	return &Choreographer{
		log:      log.With("service", "Choreographer"),
		llm:      llm,
		settings: settings,
	}
}

// Plan asks the model for a choreography plan, retrying with graduated
// temperature. Returns the decoded plan plus the raw JSON for persisting.
func (c *Choreographer) Plan(ctx context.Context, req RefineRequest, theme Theme) (*ChoreographyPlan, json.RawMessage, error) {
	prompt := buildPlanPrompt(req, theme)

	var lastErr error
	for attempt := 0; attempt < c.settings.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		opts := gemini.GenerateOptions{
			System:      choreographerSystem,
			Temperature: c.settings.Temperature(attempt),
		}
		raw, err := c.llm.GenerateJSON(ctx, opts, prompt, planSchema())
		if err != nil {
			lastErr = err
			c.log.Warn("choreography attempt failed", "section", req.Index, "attempt", attempt+1, "error", err.Error())
			continue
		}

		var plan ChoreographyPlan
		if err := json.Unmarshal(raw, &plan); err != nil {
			lastErr = fmt.Errorf("decode plan: %w", err)
			continue
		}
		if err := checkPlan(&plan); err != nil {
			lastErr = err
			c.log.Warn("choreography plan rejected", "section", req.Index, "attempt", attempt+1, "error", err.Error())
			continue
		}
		return &plan, raw, nil
	}
	return nil, nil, &domain.ChoreographyError{Attempts: c.settings.MaxAttempts, Err: lastErr}
}

// checkPlan fills defaults and rejects plans too empty to implement.
func checkPlan(plan *ChoreographyPlan) error {
	if plan.Version == "" {
		plan.Version = "2.0"
	}
	if plan.Scene.SafeBounds.X <= 0 {
		plan.Scene.SafeBounds.X = safeBoundX
	}
	if plan.Scene.SafeBounds.Y <= 0 {
		plan.Scene.SafeBounds.Y = safeBoundY
	}
	if len(plan.Timeline) == 0 {
		return fmt.Errorf("plan has no timeline beats")
	}
	if len(plan.Objects) == 0 {
		return fmt.Errorf("plan has no objects")
	}
	return nil
}

func buildPlanPrompt(req RefineRequest, theme Theme) string {
	var b strings.Builder
	b.WriteString("Plan the animation for one video section.\n\n")
	b.WriteString("Section title: " + req.Section.Heading + "\n")
	if req.Language != "" {
		b.WriteString("Narration language: " + req.Language + "\n")
	}
	fmt.Fprintf(&b, "Video mode: %s\n", req.Mode)
	fmt.Fprintf(&b, "Total audio duration: %.2f seconds\n\n", req.Audio.Duration)

	b.WriteString("Narration segments with their audio windows:\n")
	for i, seg := range req.Section.Segments {
		start, end := segmentWindow(req.Audio, i)
		fmt.Fprintf(&b, "[%d] %.2fs-%.2fs: %s\n", i, start, end, seg.Text)
	}
	b.WriteString("\n")

	b.WriteString("Rules:\n")
	fmt.Fprintf(&b, "- Keep every object inside |x| <= %.1f and |y| <= %.1f scene units.\n", safeBoundX, safeBoundY)
	b.WriteString("- Every timeline beat binds to one narration segment index and stays inside its window.\n")
	b.WriteString("- Prefer few objects shown clearly over many shown at once; fade out what is no longer discussed.\n")
	b.WriteString("- Object types: text, formula, diagram, table, graph, shape.\n")
	b.WriteString("- Zones: top, center, bottom, left, right.\n")
	b.WriteString("- Actions: write, fade_in, fade_out, transform, indicate, move, wait.\n")
	fmt.Fprintf(&b, "- Palette available to later stages: %s.\n\n", theme.PaletteLine())

	b.WriteString("JSON shape:\n")
	b.WriteString(`{
  "version": "2.0",
  "scene": {"mode": "standard", "camera": "fixed", "safe_bounds": {"x": 5.5, "y": 3.0}},
  "objects": [{"id": "title", "type": "text", "role": "heading", "zone": "top", "content": "..."}],
  "timeline": [{"segment": 0, "start": 0.0, "end": 4.2, "action": "write", "objects": ["title"], "narration": "..."}],
  "constraints": {},
  "notes": ""
}`)
	return b.String()
}

// segmentWindow returns the audio window for segment i, falling back to an
// even split when timings are missing.
func segmentWindow(audio *domain.SectionAudio, i int) (float64, float64) {
	if audio != nil {
		for _, t := range audio.Segments {
			if t.Index == i {
				return t.Start, t.End
			}
		}
	}
	return 0, 0
}
