package refine

import (
	"strings"
	"testing"

	"github.com/yungbote/lectern-backend/internal/domain"
)

func TestParseProbeOutputSpatialIssues(t *testing.T) {
	log := strings.Join([]string{
		"Manim Community v0.18.1",
		`SPATIAL_ISSUES_JSON:[{"type":"out_of_bounds","object":"Text","text":"Hello","position":[7.8,0.2]},{"type":"text_overlap","object":"Text","text":"a","other_text":"b","position":[0,0]}]`,
		"Spatial Error: 2 issues found",
	}, "\n")

	issues := ParseProbeOutput(log)
	if len(issues) != 2 {
		t.Fatalf("issues = %#v", issues)
	}

	oob := issues[0]
	if oob.Category != domain.IssueOutOfBounds || oob.Severity != domain.SeverityWarning {
		t.Fatalf("issue = %#v", oob)
	}
	if !oob.AutoFixable || oob.Confidence != domain.ConfidenceHigh {
		t.Fatalf("issue = %#v", oob)
	}
	if oob.WhitelistKey != "out_of_bounds:Hello" {
		t.Fatalf("whitelist key = %q", oob.WhitelistKey)
	}
	if x, _ := oob.Details["x"].(float64); x != 7.8 {
		t.Fatalf("details = %#v", oob.Details)
	}

	overlap := issues[1]
	if overlap.Category != domain.IssueTextOverlap {
		t.Fatalf("issue = %#v", overlap)
	}
	if overlap.Message != `text "a" overlaps "b"` {
		t.Fatalf("message = %q", overlap.Message)
	}
}

func TestParseProbeOutputWarningsAreWeak(t *testing.T) {
	log := `SPATIAL_WARNING:[{"type":"near_bounds","object":"Square","position":[6.8,0]}]`

	issues := ParseProbeOutput(log)
	if len(issues) != 1 {
		t.Fatalf("issues = %#v", issues)
	}
	w := issues[0]
	if w.Confidence != domain.ConfidenceLow || w.AutoFixable {
		t.Fatalf("issue = %#v", w)
	}
	if !strings.Contains(w.Message, "is close to the edge of") {
		t.Fatalf("message = %q", w.Message)
	}
	if !w.NeedsVerification() {
		t.Fatalf("weak issue not routed to verification: %#v", w)
	}
}

func TestParseProbeOutputUnparseableReport(t *testing.T) {
	issues := ParseProbeOutput("SPATIAL_WARNING:something went sideways")
	if len(issues) != 1 {
		t.Fatalf("issues = %#v", issues)
	}
	if issues[0].Category != domain.IssueVisualQuality || issues[0].Confidence != domain.ConfidenceLow {
		t.Fatalf("issue = %#v", issues[0])
	}
	if issues[0].Message != "something went sideways" {
		t.Fatalf("message = %q", issues[0].Message)
	}
}

func TestParseProbeOutputTraceback(t *testing.T) {
	log := strings.Join([]string{
		"some render chatter",
		"Traceback (most recent call last):",
		`  File "scene.py", line 12, in <module>`,
		`  File "scene.py", line 9, in construct`,
		"NameError: name 'axes' is not defined",
	}, "\n")

	issues := ParseProbeOutput(log)
	if len(issues) != 1 {
		t.Fatalf("issues = %#v", issues)
	}
	tb := issues[0]
	if tb.Category != domain.IssueRuntime || tb.Severity != domain.SeverityCritical {
		t.Fatalf("issue = %#v", tb)
	}
	if tb.Message != "NameError: name 'axes' is not defined" {
		t.Fatalf("message = %q", tb.Message)
	}
	if tb.Line != 9 {
		t.Fatalf("line = %d, want 9 (innermost frame)", tb.Line)
	}
	if _, ok := tb.Details["traceback"]; !ok {
		t.Fatalf("details = %#v", tb.Details)
	}
}

func TestParseProbeOutputSpatialWinsOverTraceback(t *testing.T) {
	// The checker exits via sys.exit, so its report and a SystemExit
	// traceback share the log. The structured report is the real signal.
	log := strings.Join([]string{
		`SPATIAL_ISSUES_JSON:[{"type":"out_of_bounds","object":"Dot","position":[9,0]}]`,
		"Traceback (most recent call last):",
		`  File "scene.py", line 30, in <module>`,
		"SystemExit: Spatial Error: 1 issues found",
	}, "\n")

	issues := ParseProbeOutput(log)
	if len(issues) != 1 {
		t.Fatalf("issues = %#v", issues)
	}
	if issues[0].Category != domain.IssueOutOfBounds {
		t.Fatalf("issue = %#v", issues[0])
	}
}

func TestParseProbeOutputCleanLog(t *testing.T) {
	if issues := ParseProbeOutput("Manim Community v0.18.1\nRendered LecternSection1\n"); len(issues) != 0 {
		t.Fatalf("issues = %#v", issues)
	}
}

func TestTailOf(t *testing.T) {
	if got := tailOf("abcdef", 3); got != "def" {
		t.Fatalf("tailOf = %q", got)
	}
	if got := tailOf("ab", 5); got != "ab" {
		t.Fatalf("tailOf = %q", got)
	}
}
