package script

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yungbote/lectern-backend/internal/clients/gemini"
	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
	"github.com/yungbote/lectern-backend/internal/utils"
)

const generatorSystem = "You are a scriptwriter for narrated educational animations. You write scripts that a text-to-speech voice reads aloud while mathematical animations play. Every segment is plain spoken prose: no markdown, no stage directions, no formulas that cannot be read aloud. Output ONLY JSON."

// Request carries everything the generator folds into the script prompt. The
// analysis is optional; when present its summary grounds the script in the
// source material.
type Request struct {
	Topics          []string
	DocumentContext string
	ContentFocus    string
	Language        string
	VideoMode       string
	Analysis        *domain.Analysis
}

type Generator struct {
	log *logger.Logger
	llm gemini.Client

	overviewMaxSections   int
	overviewTargetMinutes int
}

func NewGenerator(log *logger.Logger, llm gemini.Client) *Generator {
	glog := log.With("service", "ScriptGenerator")
	return &Generator{
		log:                   glog,
		llm:                   llm,
		overviewMaxSections:   utils.GetEnvAsInt("OVERVIEW_MAX_SECTIONS", 4, glog),
		overviewTargetMinutes: utils.GetEnvAsInt("OVERVIEW_TARGET_MINUTES", 3, glog),
	}
}

// Generate produces a normalized script. A script that normalizes to zero
// sections is an error; nothing downstream can proceed without sections.
func (g *Generator) Generate(ctx context.Context, req Request) (*domain.Script, error) {
	if len(req.Topics) == 0 && req.Analysis == nil && req.DocumentContext == "" {
		return nil, fmt.Errorf("nothing to write a script from: no topics, analysis, or document context")
	}

	raw, err := g.llm.GenerateJSON(ctx, gemini.GenerateOptions{
		System:      generatorSystem,
		Temperature: 0.7,
	}, g.buildPrompt(req), scriptSchema())
	if err != nil {
		return nil, fmt.Errorf("generate script: %w", err)
	}

	var script domain.Script
	if err := json.Unmarshal(raw, &script); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	if script.Normalize() == 0 {
		return nil, fmt.Errorf("script has no sections")
	}

	if req.VideoMode == domain.VideoModeOverview && len(script.Sections) > g.overviewMaxSections {
		g.log.Warn("overview script over section cap, truncating",
			"sections", len(script.Sections),
			"cap", g.overviewMaxSections,
		)
		script.Sections = script.Sections[:g.overviewMaxSections]
	}
	if script.Language == "" {
		script.Language = req.Language
	}
	if strings.TrimSpace(script.Title) == "" {
		script.Title = fallbackTitle(req)
	}

	g.log.Info("script generated",
		"title", script.Title,
		"sections", len(script.Sections),
		"mode", req.VideoMode,
	)
	return &script, nil
}

func (g *Generator) buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Write the script for a narrated educational video.\n\n")

	if len(req.Topics) > 0 {
		b.WriteString("Topics to cover:\n")
		for _, topic := range req.Topics {
			b.WriteString("- " + topic + "\n")
		}
		b.WriteString("\n")
	}
	if req.ContentFocus != "" {
		b.WriteString("Focus: " + req.ContentFocus + "\n\n")
	}
	if req.Analysis != nil && req.Analysis.Summary != "" {
		fmt.Fprintf(&b, "Source material (%s): %s\n\n", req.Analysis.MaterialType, req.Analysis.Summary)
	}
	if req.DocumentContext != "" {
		context := req.DocumentContext
		if len(context) > maxInlineChars {
			context = context[:maxInlineChars]
		}
		b.WriteString("Additional context from the user:\n" + context + "\n\n")
	}
	if req.Language != "" {
		b.WriteString("Write every heading and segment in " + req.Language + ".\n")
	}

	if req.VideoMode == domain.VideoModeOverview {
		fmt.Fprintf(&b, "Mode: overview. At most %d sections, about %d minutes of narration total. Hit the key ideas, skip derivations.\n",
			g.overviewMaxSections, g.overviewTargetMinutes)
	} else {
		b.WriteString("Mode: comprehensive. One concept per section, as many sections as the material needs. Build each idea up before using it.\n")
	}

	b.WriteString("\nRules:\n")
	b.WriteString("- Each section is one scene: a heading, a one-line summary of what is on screen, and 3 to 8 narration segments.\n")
	b.WriteString("- Each segment is 1 to 3 spoken sentences; a new segment wherever the visual should change.\n")
	b.WriteString("- Speak formulas in words (\"x squared plus one\"), never in symbols.\n")
	b.WriteString("- Set emphasis to \"strong\" only on segments that state the central result.\n\n")

	b.WriteString("Respond with this JSON shape:\n")
	b.WriteString(`{"title": "...", "language": "...", "sections": [{"heading": "...", "summary": "...", "segments": [{"text": "...", "emphasis": ""}]}]}`)
	return b.String()
}

func fallbackTitle(req Request) string {
	if len(req.Topics) > 0 {
		return req.Topics[0]
	}
	if req.Analysis != nil && req.Analysis.MaterialType != "" {
		return "Introduction to " + req.Analysis.MaterialType
	}
	return "Educational Video"
}

func scriptSchema() map[string]any {
	return map[string]any{
		"type": "OBJECT",
		"properties": map[string]any{
			"title":    map[string]any{"type": "STRING"},
			"language": map[string]any{"type": "STRING"},
			"sections": map[string]any{
				"type": "ARRAY",
				"items": map[string]any{
					"type": "OBJECT",
					"properties": map[string]any{
						"heading": map[string]any{"type": "STRING"},
						"summary": map[string]any{"type": "STRING"},
						"segments": map[string]any{
							"type": "ARRAY",
							"items": map[string]any{
								"type": "OBJECT",
								"properties": map[string]any{
									"text":     map[string]any{"type": "STRING"},
									"emphasis": map[string]any{"type": "STRING"},
								},
								"required": []string{"text"},
							},
						},
					},
					"required": []string{"heading", "segments"},
				},
			},
		},
		"required": []string{"title", "sections"},
	}
}
