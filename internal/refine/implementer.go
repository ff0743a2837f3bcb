package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/yungbote/lectern-backend/internal/clients/gemini"
	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

const implementerSystem = "You are an expert manim developer. You turn choreography plans into complete, runnable manim community-edition scenes. Output ONLY Python code, no prose, no markdown fences."

// apiReference is the pinned subset of the manim API the implementer is told
// to stay inside. Keeping the surface small keeps the repair loop tractable.
const apiReference = `Allowed API surface (manim community edition):
- Scene, self.play(...), self.wait(seconds), self.add(...), self.remove(...)
- Text, MathTex, Tex, Paragraph
- Line, Arrow, Circle, Square, Rectangle, Dot, NumberLine, Axes, BarChart
- Table, MobjectTable, VGroup, SurroundingRectangle, Brace
- Write, FadeIn, FadeOut, Transform, ReplacementTransform, Create, Indicate, Circumscribe
- .move_to(...), .shift(...), .next_to(...), .to_edge(...), .arrange(...), .scale(...), .set_color(...)
- UP, DOWN, LEFT, RIGHT, ORIGIN, UL, UR, DL, DR
- run_time= on every play call; rate_func=smooth`

// Implementer runs stage 2: choreography plan in, scene code out.
type Implementer struct {
	log      *logger.Logger
	llm      gemini.Client
	settings Settings
}

func NewImplementer(log *logger.Logger, llm gemini.Client, settings Settings) *Implementer {
	return &Implementer{
		log:      log.With("service", "Implementer"),
		llm:      llm,
		settings: settings,
	}
}

// SceneName is the class name every generated section scene must declare.
func SceneName(index int) string {
	return fmt.Sprintf("LecternSection%d", index)
}

// Implement asks the model for the scene class implementing the plan, then
// canonicalizes the result (import line, class name, background color).
func (im *Implementer) Implement(ctx context.Context, req RefineRequest, plan *ChoreographyPlan, theme Theme) (string, error) {
	prompt, err := buildImplementPrompt(req, plan, theme)
	if err != nil {
		return "", &domain.ImplementationError{Attempts: 0, Err: err}
	}

	sceneName := SceneName(req.Index)
	var lastErr error
	for attempt := 0; attempt < im.settings.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		opts := gemini.GenerateOptions{
			System:      implementerSystem,
			Temperature: im.settings.Temperature(attempt),
		}
		text, err := im.llm.GenerateText(ctx, opts, prompt)
		if err != nil {
			lastErr = err
			im.log.Warn("implementation attempt failed", "section", req.Index, "attempt", attempt+1, "error", err.Error())
			continue
		}

		code := StripFences(text)
		if strings.TrimSpace(code) == "" {
			lastErr = fmt.Errorf("model returned empty scene code")
			continue
		}
		code = CanonicalizeScene(code, sceneName, theme)
		if !strings.Contains(code, "class "+sceneName) {
			lastErr = fmt.Errorf("scene code does not declare class %s", sceneName)
			continue
		}
		return code, nil
	}
	return "", &domain.ImplementationError{Attempts: im.settings.MaxAttempts, Err: lastErr}
}

func buildImplementPrompt(req RefineRequest, plan *ChoreographyPlan, theme Theme) (string, error) {
	planJSON, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal plan: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Implement this choreography plan as one manim scene class named %s.\n\n", SceneName(req.Index))
	b.WriteString("Choreography plan:\n")
	b.Write(planJSON)
	b.WriteString("\n\n")

	b.WriteString("Style:\n")
	fmt.Fprintf(&b, "- Background color: %s (set in construct, do not draw a background rectangle).\n", theme.Background)
	fmt.Fprintf(&b, "- Default text color: %s.\n", theme.TextColor)
	fmt.Fprintf(&b, "- Palette for accents: %s.\n", theme.PaletteLine())
	if req.Language != "" {
		fmt.Fprintf(&b, "- On-screen text language: %s.\n", req.Language)
	}
	b.WriteString(modeGuidance(req.Mode))
	b.WriteString("\n")

	b.WriteString("Requirements:\n")
	b.WriteString("- Exactly one Scene subclass with a construct method. No __main__ block.\n")
	fmt.Fprintf(&b, "- Total animation time must come to about %.1f seconds; give every play call an explicit run_time and use self.wait between beats.\n", req.Audio.Duration)
	fmt.Fprintf(&b, "- Keep every object inside |x| <= %.1f and |y| <= %.1f.\n", safeBoundX, safeBoundY)
	b.WriteString("- Never call self.wait(0). Never use CENTER, TOP, BOTTOM, or ease_in_expo.\n")
	b.WriteString("- Fade out objects before introducing replacements in the same zone.\n\n")

	b.WriteString(apiReference)
	return b.String(), nil
}

func modeGuidance(mode string) string {
	if mode == domain.VideoModeOverview {
		return "- Overview mode: at most three objects on screen, large text, broad strokes only.\n"
	}
	return "- Comprehensive mode: walk through details step by step, but still one idea on screen at a time.\n"
}

// StripFences removes a markdown code fence wrapper if the model added one
// despite instructions.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	for _, lang := range []string{"python", "Python", "py"} {
		s = strings.TrimPrefix(s, lang)
	}
	s = strings.TrimPrefix(s, "\n")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

var sceneClassRe = regexp.MustCompile(`(?m)^class\s+(\w+)\s*\(\s*(?:Scene|MovingCameraScene)\s*\)\s*:`)

// CanonicalizeScene normalizes generated code into the shape the rest of the
// loop assumes: the manim star import present, the scene class carrying the
// required name, and the theme background set first thing in construct.
func CanonicalizeScene(code, sceneName string, theme Theme) string {
	code = strings.TrimSpace(code) + "\n"

	if !strings.Contains(code, "from manim import") {
		code = "from manim import *\n\n" + code
	}

	if m := sceneClassRe.FindStringSubmatch(code); m != nil && m[1] != sceneName {
		code = strings.Replace(code, m[0], strings.Replace(m[0], m[1], sceneName, 1), 1)
		// References to the old name (rare, but the model sometimes emits
		// helper calls through the class) follow the rename.
		code = strings.ReplaceAll(code, m[1]+"(", sceneName+"(")
	}

	if !strings.Contains(code, "self.camera.background_color") {
		code = insertAfterConstruct(code, fmt.Sprintf("self.camera.background_color = %q", theme.Background))
	}
	return code
}

var constructRe = regexp.MustCompile(`(?m)^([ \t]+)def construct\(self.*\):[ \t]*\n`)

// insertAfterConstruct places stmt as the first line of the construct body,
// matching the method's indentation plus one level.
func insertAfterConstruct(code, stmt string) string {
	loc := constructRe.FindStringSubmatchIndex(code)
	if loc == nil {
		return code
	}
	indent := code[loc[2]:loc[3]] + "    "
	return code[:loc[1]] + indent + stmt + "\n" + code[loc[1]:]
}
