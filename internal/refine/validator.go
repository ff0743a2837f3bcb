package refine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

// Validator runs the static checks on generated scene code: a real AST parse
// through the python interpreter, structural requirements, and a scan for
// hardcoded coordinates outside the frame.
type Validator struct {
	log        *logger.Logger
	pythonPath string
}

func NewValidator(log *logger.Logger) *Validator {
	vlog := log.With("service", "SceneValidator")
	path, err := exec.LookPath("python3")
	if err != nil {
		vlog.Warn("python3 not in PATH, syntax validation will be skipped")
		path = ""
	}
	return &Validator{log: vlog, pythonPath: path}
}

func (v *Validator) Validate(ctx context.Context, code string) []domain.ValidationIssue {
	var issues []domain.ValidationIssue

	if syntax := v.checkSyntax(ctx, code); syntax != nil {
		// Parse failure makes every downstream check unreliable; report it
		// alone so the fix targets the right thing.
		return []domain.ValidationIssue{*syntax}
	}

	issues = append(issues, checkStructure(code)...)
	issues = append(issues, ScanCoordinates(code)...)
	return issues
}

var syntaxLineRe = regexp.MustCompile(`line (\d+)`)

// checkSyntax feeds the code to python's ast module on stdin. A nil return
// means the code parses (or python is unavailable).
func (v *Validator) checkSyntax(ctx context.Context, code string) *domain.ValidationIssue {
	if v.pythonPath == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, v.pythonPath, "-c", "import ast, sys; ast.parse(sys.stdin.read())")
	cmd.Stdin = strings.NewReader(code)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err == nil {
		return nil
	}

	msg := lastNonEmptyLine(stderr.String())
	if msg == "" {
		msg = "python ast parse failed"
	}
	issue := domain.ValidationIssue{
		Severity:   domain.SeverityCritical,
		Confidence: domain.ConfidenceHigh,
		Category:   domain.IssueSyntax,
		Message:    msg,
	}
	if m := syntaxLineRe.FindAllStringSubmatch(stderr.String(), -1); len(m) > 0 {
		if n, err := strconv.Atoi(m[len(m)-1][1]); err == nil {
			issue.Line = n
		}
	}
	return &issue
}

var (
	constructDefRe  = regexp.MustCompile(`(?m)^\s+def construct\(self`)
	topLevelSelfRe  = regexp.MustCompile(`(?m)^self\.`)
	forbiddenCallRe = regexp.MustCompile(`(?m)\b(subprocess\.|os\.system\s*\()`)
)

func checkStructure(code string) []domain.ValidationIssue {
	var issues []domain.ValidationIssue

	structural := func(msg string) {
		issues = append(issues, domain.ValidationIssue{
			Severity:   domain.SeverityCritical,
			Confidence: domain.ConfidenceHigh,
			Category:   domain.IssueStructure,
			Message:    msg,
		})
	}

	switch n := len(sceneClassRe.FindAllString(code, -1)); {
	case n == 0:
		structural("no Scene subclass declared")
	case n > 1:
		structural(fmt.Sprintf("%d Scene subclasses declared, expected exactly one", n))
	}
	if !constructDefRe.MatchString(code) {
		structural("Scene class has no construct method")
	}
	if !strings.Contains(code, "from manim import") {
		structural("missing manim import")
	}
	if loc := forbiddenCallRe.FindStringIndex(code); loc != nil {
		issues = append(issues, domain.ValidationIssue{
			Severity:   domain.SeverityCritical,
			Confidence: domain.ConfidenceHigh,
			Category:   domain.IssueStructure,
			Message:    "scene code spawns subprocesses",
			Line:       lineAt(code, loc[0]),
		})
	}
	if loc := topLevelSelfRe.FindStringIndex(code); loc != nil {
		issues = append(issues, domain.ValidationIssue{
			Severity:   domain.SeverityCritical,
			Confidence: domain.ConfidenceHigh,
			Category:   domain.IssueSyntax,
			Message:    "self reference at module level (code outside the class body)",
			Line:       lineAt(code, loc[0]),
		})
	}
	return issues
}

var (
	// move_to([3.2, -1.0, 0]) or shift(np.array([8.0, 0, 0]))
	coordListRe = regexp.MustCompile(`\.(move_to|shift)\(\s*(?:np\.array\(\s*)?\[\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)`)
	// RIGHT * 8, 8 * UP, DOWN*4.5 inside a move_to/shift argument
	dirScaleRe = regexp.MustCompile(`\.(move_to|shift)\(([^)]*)\)`)
	dirTermRe  = regexp.MustCompile(`(?:(UP|DOWN|LEFT|RIGHT)\s*\*\s*(\d+(?:\.\d+)?))|(?:(\d+(?:\.\d+)?)\s*\*\s*(UP|DOWN|LEFT|RIGHT))`)
)

// ScanCoordinates flags hardcoded positions that land outside the visible
// frame. These are auto-fixable: the deterministic fixer clamps them into the
// safe box.
func ScanCoordinates(code string) []domain.ValidationIssue {
	var issues []domain.ValidationIssue

	for _, m := range coordListRe.FindAllStringSubmatchIndex(code, -1) {
		x, errx := strconv.ParseFloat(code[m[4]:m[5]], 64)
		y, erry := strconv.ParseFloat(code[m[6]:m[7]], 64)
		if errx != nil || erry != nil {
			continue
		}
		if absf(x) <= frameBoundX && absf(y) <= frameBoundY {
			continue
		}
		issues = append(issues, coordinateIssue(code, m[0],
			fmt.Sprintf("hardcoded position (%.1f, %.1f) is outside the visible frame", x, y),
			map[string]any{"x": x, "y": y},
		))
	}

	for _, call := range dirScaleRe.FindAllStringSubmatchIndex(code, -1) {
		arg := code[call[4]:call[5]]
		for _, t := range dirTermRe.FindAllStringSubmatch(arg, -1) {
			dir, factor := dirTerm(t)
			if dir == "" {
				continue
			}
			limit := safeLimitFor(dir, frameBoundX, frameBoundY)
			if factor <= limit {
				continue
			}
			issues = append(issues, coordinateIssue(code, call[0],
				fmt.Sprintf("offset %s * %.1f is outside the visible frame", dir, factor),
				map[string]any{"direction": dir, "factor": factor},
			))
		}
	}
	return issues
}

func coordinateIssue(code string, offset int, msg string, details map[string]any) domain.ValidationIssue {
	line := lineAt(code, offset)
	return domain.ValidationIssue{
		Severity:     domain.SeverityCritical,
		Confidence:   domain.ConfidenceHigh,
		Category:     domain.IssueOutOfBounds,
		Message:      msg,
		Line:         line,
		Details:      details,
		AutoFixable:  true,
		WhitelistKey: fmt.Sprintf("out_of_bounds:line%d", line),
	}
}

// dirTerm normalizes the two orderings of a direction term.
func dirTerm(m []string) (string, float64) {
	if m[1] != "" {
		f, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return "", 0
		}
		return m[1], f
	}
	f, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return "", 0
	}
	return m[4], f
}

func safeLimitFor(dir string, xLimit, yLimit float64) float64 {
	if dir == "UP" || dir == "DOWN" {
		return yLimit
	}
	return xLimit
}

func lineAt(code string, offset int) int {
	if offset > len(code) {
		offset = len(code)
	}
	return strings.Count(code[:offset], "\n") + 1
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if t := strings.TrimSpace(lines[i]); t != "" {
			return t
		}
	}
	return ""
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
