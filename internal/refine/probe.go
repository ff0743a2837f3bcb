package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/media"
	"github.com/yungbote/lectern-backend/internal/observability"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

// Probes are cheap relative to real renders but still invoke manim; keep a
// tight budget so a hung scene cannot eat a section's whole render window.
const probeTimeout = 5 * time.Minute

// Probe runs the instrumented scene through a dry-run render and converts
// whatever lands on stderr into validation issues.
type Probe struct {
	log      *logger.Logger
	renderer media.Renderer
}

func NewProbe(log *logger.Logger, renderer media.Renderer) *Probe {
	return &Probe{log: log.With("service", "SceneProbe"), renderer: renderer}
}

func (p *Probe) Run(ctx context.Context, sceneFile, sceneClass, mediaDir string) ([]domain.ValidationIssue, error) {
	observability.RenderAttemptsTotal.Inc()
	out, err := p.renderer.Render(ctx, media.RenderSpec{
		SceneFile:  sceneFile,
		SceneClass: sceneClass,
		Quality:    media.QualityLow,
		DryRun:     true,
		MediaDir:   mediaDir,
		Timeout:    probeTimeout,
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if out == nil {
		if err == nil {
			err = fmt.Errorf("renderer returned no output")
		}
		return nil, &domain.RenderingError{Err: err}
	}

	issues := ParseProbeOutput(out.Log)
	if err != nil && len(issues) == 0 {
		// The render failed but nothing recognizable was printed (killed
		// process, OOM, truncated log). Surface it as a runtime issue so the
		// loop keeps driving instead of aborting the section.
		issues = append(issues, domain.ValidationIssue{
			Severity:   domain.SeverityCritical,
			Confidence: domain.ConfidenceHigh,
			Category:   domain.IssueRuntime,
			Message:    err.Error(),
			Details:    map[string]any{"log_tail": tailOf(out.Log, 1200)},
		})
	}
	return issues, nil
}

const (
	spatialIssuesPrefix  = "SPATIAL_ISSUES_JSON:"
	spatialWarningPrefix = "SPATIAL_WARNING:"
)

type spatialReport struct {
	Type      string    `json:"type"`
	Object    string    `json:"object"`
	Text      string    `json:"text,omitempty"`
	OtherText string    `json:"other_text,omitempty"`
	Position  []float64 `json:"position,omitempty"`
}

// ParseProbeOutput classifies a render log. Structured reports from the
// injected checker win over traceback parsing: the checker aborts the scene
// through SystemExit, so its traceback is noise once the report is in hand.
func ParseProbeOutput(log string) []domain.ValidationIssue {
	var issues []domain.ValidationIssue

	for _, line := range strings.Split(log, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, spatialIssuesPrefix); ok {
			issues = append(issues, parseSpatialReports(rest, false)...)
		}
		if rest, ok := strings.CutPrefix(line, spatialWarningPrefix); ok {
			issues = append(issues, parseSpatialReports(rest, true)...)
		}
	}
	if len(issues) > 0 {
		return issues
	}

	if tb := parseTraceback(log); tb != nil {
		issues = append(issues, *tb)
	}
	return issues
}

func parseSpatialReports(raw string, weak bool) []domain.ValidationIssue {
	var reports []spatialReport
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &reports); err != nil {
		// Free-form warning text still carries signal; keep it at low
		// confidence for the vision pass to confirm.
		return []domain.ValidationIssue{{
			Severity:   domain.SeverityWarning,
			Confidence: domain.ConfidenceLow,
			Category:   domain.IssueVisualQuality,
			Message:    strings.TrimSpace(raw),
		}}
	}

	out := make([]domain.ValidationIssue, 0, len(reports))
	for _, r := range reports {
		issue := domain.ValidationIssue{
			Severity:     domain.SeverityWarning,
			Confidence:   domain.ConfidenceHigh,
			Object:       r.Object,
			AutoFixable:  true,
			WhitelistKey: whitelistKey(r),
			Details: map[string]any{
				"object":     r.Object,
				"text":       r.Text,
				"other_text": r.OtherText,
			},
		}
		if len(r.Position) >= 2 {
			issue.Details["x"] = r.Position[0]
			issue.Details["y"] = r.Position[1]
		}

		switch r.Type {
		case "text_overlap":
			issue.Category = domain.IssueTextOverlap
			issue.Message = fmt.Sprintf("text %q overlaps %q", r.Text, r.OtherText)
		case "out_of_bounds", "near_bounds":
			issue.Category = domain.IssueOutOfBounds
			issue.Message = fmt.Sprintf("object %s extends outside the visible frame", describeObject(r))
		default:
			issue.Category = domain.IssueVisualQuality
			issue.Message = fmt.Sprintf("spatial report %s on %s", r.Type, describeObject(r))
			issue.AutoFixable = false
		}

		if weak {
			issue.Confidence = domain.ConfidenceLow
			issue.AutoFixable = false
			issue.Message = strings.Replace(issue.Message, "extends outside", "is close to the edge of", 1)
		}
		out = append(out, issue)
	}
	return out
}

func describeObject(r spatialReport) string {
	if r.Text != "" {
		return fmt.Sprintf("%s %q", r.Object, r.Text)
	}
	return r.Object
}

func whitelistKey(r spatialReport) string {
	id := r.Text
	if id == "" {
		id = r.Object
	}
	return r.Type + ":" + id
}

var tracebackFileRe = regexp.MustCompile(`File "[^"]+", line (\d+)`)

// parseTraceback pulls the failing line and final error message out of a
// python traceback, if the log contains one.
func parseTraceback(log string) *domain.ValidationIssue {
	start := strings.Index(log, "Traceback (most recent call last")
	if start < 0 {
		return nil
	}
	block := log[start:]
	if end := strings.Index(block, "\n\n"); end > 0 {
		block = block[:end]
	}

	issue := &domain.ValidationIssue{
		Severity:   domain.SeverityCritical,
		Confidence: domain.ConfidenceHigh,
		Category:   domain.IssueRuntime,
		Message:    lastNonEmptyLine(block),
		Details:    map[string]any{"traceback": tailOf(block, 1200)},
	}
	if ms := tracebackFileRe.FindAllStringSubmatch(block, -1); len(ms) > 0 {
		if n, err := strconv.Atoi(ms[len(ms)-1][1]); err == nil {
			issue.Line = n
		}
	}
	return issue
}

func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
