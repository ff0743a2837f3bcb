package refine

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/yungbote/lectern-backend/internal/clients/gemini"
	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/media"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

const (
	surgeonSystem = "You are a precise code surgeon for manim scenes. You fix exactly the reported issues with minimal edits through the search_replace tool. You never rewrite working code."

	maxSurgicalTurns  = 6
	maxFramesPerCall  = 4
	surgicalTemperate = 0.2
)

// Surgeon drives the surgical edit conversation: issues in, minimally edited
// scene code out. Every committed edit has been re-validated; an edit that
// adds critical issues is reverted before the model hears back.
type Surgeon struct {
	log      *logger.Logger
	llm      gemini.Client
	tools    media.Tools
	maxTurns int
}

func NewSurgeon(log *logger.Logger, llm gemini.Client, tools media.Tools) *Surgeon {
	return &Surgeon{
		log:      log.With("service", "SceneSurgeon"),
		llm:      llm,
		tools:    tools,
		maxTurns: maxSurgicalTurns,
	}
}

type SurgicalRequest struct {
	Code      string
	Issues    []domain.ValidationIssue
	SceneName string
	// VideoPath is the last rendered video, when one exists; it powers the
	// inspect_frames tool. Empty disables frame inspection.
	VideoPath string
	FrameDir  string
}

// Edit runs the conversation and returns the best code reached. The returned
// code is always usable: edits that regressed validation were rolled back.
func (s *Surgeon) Edit(ctx context.Context, req SurgicalRequest, validate func(string) []domain.ValidationIssue) (string, error) {
	code := req.Code
	baseline := criticalCount(validate(code))

	history := []gemini.Content{{
		Role:  "user",
		Parts: []gemini.Part{{Text: buildSurgicalPrompt(req)}},
	}}
	opts := gemini.GenerateOptions{
		System:      surgeonSystem,
		Temperature: surgicalTemperate,
	}

	edits := 0
	for turn := 0; turn < s.maxTurns; turn++ {
		if ctx.Err() != nil {
			return code, ctx.Err()
		}
		reply, err := s.llm.Chat(ctx, opts, history, surgicalTools(req.VideoPath != ""))
		if err != nil {
			return code, fmt.Errorf("surgical turn %d: %w", turn+1, err)
		}
		history = append(history, reply.Content)

		if len(reply.FunctionCalls) == 0 {
			break
		}

		var parts []gemini.Part
		for _, call := range reply.FunctionCalls {
			switch call.Name {
			case "search_replace":
				next, result := s.handleSearchReplace(code, call.Args, validate, &baseline)
				if next != code {
					edits++
				}
				code = next
				parts = append(parts, gemini.Part{FunctionResponse: &gemini.FunctionResponse{
					Name:     call.Name,
					Response: result,
				}})
			case "inspect_frames":
				resp, frames := s.handleInspectFrames(ctx, req, call.Args)
				parts = append(parts, gemini.Part{FunctionResponse: &gemini.FunctionResponse{
					Name:     call.Name,
					Response: resp,
				}})
				parts = append(parts, frames...)
			default:
				parts = append(parts, gemini.Part{FunctionResponse: &gemini.FunctionResponse{
					Name:     call.Name,
					Response: map[string]any{"status": "error", "message": "unknown tool"},
				}})
			}
		}
		history = append(history, gemini.Content{Role: "user", Parts: parts})
	}

	s.log.Info("surgical edit finished", "scene", req.SceneName, "edits", edits, "issues", len(req.Issues))
	return code, nil
}

func (s *Surgeon) handleSearchReplace(code string, args map[string]any, validate func(string) []domain.ValidationIssue, baseline *int) (string, map[string]any) {
	search, _ := args["search"].(string)
	replace, _ := args["replace"].(string)

	next, err := applySearchReplace(code, search, replace)
	if err != nil {
		return code, map[string]any{"status": "error", "message": err.Error()}
	}

	after := criticalCount(validate(next))
	if after > *baseline {
		return code, map[string]any{
			"status":  "error",
			"message": fmt.Sprintf("edit reverted: validation went from %d to %d critical issues", *baseline, after),
		}
	}
	*baseline = after
	return next, map[string]any{"status": "ok", "critical_issues_remaining": after}
}

func (s *Surgeon) handleInspectFrames(ctx context.Context, req SurgicalRequest, args map[string]any) (map[string]any, []gemini.Part) {
	if req.VideoPath == "" {
		return map[string]any{"status": "error", "message": "no rendered video available yet"}, nil
	}
	timestamps := floatSlice(args["timestamps"])
	if len(timestamps) == 0 {
		return map[string]any{"status": "error", "message": "timestamps required"}, nil
	}
	if len(timestamps) > maxFramesPerCall {
		timestamps = timestamps[:maxFramesPerCall]
	}

	paths, err := s.tools.ExtractKeyframes(ctx, req.VideoPath, timestamps, req.FrameDir)
	if err != nil {
		return map[string]any{"status": "error", "message": err.Error()}, nil
	}

	var frames []gemini.Part
	for _, p := range paths {
		raw, rerr := os.ReadFile(p)
		if rerr != nil {
			continue
		}
		frames = append(frames, gemini.Part{InlineData: &gemini.Blob{
			MIMEType: "image/jpeg",
			Data:     base64.StdEncoding.EncodeToString(raw),
		}})
	}
	return map[string]any{"status": "ok", "frames": len(frames)}, frames
}

func buildSurgicalPrompt(req SurgicalRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The manim scene %s failed validation. Fix ONLY the issues below.\n\n", req.SceneName)

	b.WriteString("Issues:\n")
	for i, issue := range req.Issues {
		fmt.Fprintf(&b, "%d. [%s/%s]", i+1, issue.Severity, issue.Category)
		if issue.Line > 0 {
			fmt.Fprintf(&b, " line %d:", issue.Line)
		}
		b.WriteString(" " + issue.Message)
		if issue.FixHint != "" {
			b.WriteString(" (hint: " + issue.FixHint + ")")
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString("Rules:\n")
	b.WriteString("- Use search_replace once per fix; quote the smallest snippet that matches exactly one place.\n")
	b.WriteString("- Keep the class name, construct signature, and overall structure intact.\n")
	if req.VideoPath != "" {
		b.WriteString("- You may call inspect_frames with timestamps in seconds to see what actually rendered.\n")
	}
	b.WriteString("- When every issue is handled, reply DONE without calling tools.\n\n")

	b.WriteString("Current scene source:\n")
	b.WriteString(req.Code)
	return b.String()
}

func surgicalTools(withFrames bool) []gemini.Tool {
	decls := []gemini.FunctionDeclaration{{
		Name:        "search_replace",
		Description: "Replace one occurrence of search with replace in the scene source. The search text must match exactly one location.",
		Parameters: map[string]any{
			"type": "OBJECT",
			"properties": map[string]any{
				"search":  map[string]any{"type": "STRING", "description": "Verbatim source text to find."},
				"replace": map[string]any{"type": "STRING", "description": "Replacement source text."},
			},
			"required": []string{"search", "replace"},
		},
	}}
	if withFrames {
		decls = append(decls, gemini.FunctionDeclaration{
			Name:        "inspect_frames",
			Description: "Extract frames from the rendered video at the given timestamps; they are attached to the next turn.",
			Parameters: map[string]any{
				"type": "OBJECT",
				"properties": map[string]any{
					"timestamps": map[string]any{
						"type":  "ARRAY",
						"items": map[string]any{"type": "NUMBER"},
					},
				},
				"required": []string{"timestamps"},
			},
		})
	}
	return []gemini.Tool{{FunctionDeclarations: decls}}
}

// applySearchReplace performs the tool's edit contract: a unique exact match,
// else a unique whitespace-normalized line-window match, else an error the
// model can act on.
func applySearchReplace(code, search, replace string) (string, error) {
	if strings.TrimSpace(search) == "" {
		return "", fmt.Errorf("search text is empty")
	}

	switch n := strings.Count(code, search); {
	case n == 1:
		return strings.Replace(code, search, replace, 1), nil
	case n > 1:
		return "", fmt.Errorf("search text matches %d locations; include more surrounding context", n)
	}

	// Whitespace-normalized fallback: find code line windows whose
	// field-joined form equals the search's.
	searchLines := splitTrimmedLines(search)
	if len(searchLines) == 0 {
		return "", fmt.Errorf("search text not found")
	}
	codeLines := strings.Split(code, "\n")

	matches := []int{}
	for start := 0; start+len(searchLines) <= len(codeLines); start++ {
		ok := true
		for i, want := range searchLines {
			if normalizeLine(codeLines[start+i]) != want {
				ok = false
				break
			}
		}
		if ok {
			matches = append(matches, start)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("search text not found; quote it exactly as it appears in the source")
	case 1:
	default:
		return "", fmt.Errorf("search text matches %d locations after whitespace normalization; include more surrounding context", len(matches))
	}

	start := matches[0]
	out := make([]string, 0, len(codeLines))
	out = append(out, codeLines[:start]...)
	if replace != "" {
		out = append(out, strings.Split(replace, "\n")...)
	}
	out = append(out, codeLines[start+len(searchLines):]...)
	return strings.Join(out, "\n"), nil
}

func splitTrimmedLines(s string) []string {
	raw := strings.Split(strings.TrimRight(s, "\n"), "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		out = append(out, normalizeLine(line))
	}
	// Leading and trailing blank lines in the search text carry no signal.
	for len(out) > 0 && out[0] == "" {
		out = out[1:]
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}

func normalizeLine(line string) string {
	return strings.Join(strings.Fields(line), " ")
}

func criticalCount(issues []domain.ValidationIssue) int {
	n := 0
	for _, i := range issues {
		if i.Severity == domain.SeverityCritical {
			n++
		}
	}
	return n
}

func floatSlice(v any) []float64 {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(raw))
	for _, item := range raw {
		if f, ok := item.(float64); ok && f >= 0 {
			out = append(out, f)
		}
	}
	return out
}
