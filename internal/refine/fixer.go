package refine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

// Safe placement box and hard frame bounds, in manim scene units. The frame
// is 14.22 x 8.0 at the default camera; validators flag positions outside the
// frame, the fixer clamps them into the safe box.
const (
	safeBoundX  = 5.5
	safeBoundY  = 3.0
	frameBoundX = 7.1
	frameBoundY = 4.0
)

// Fixer applies the deterministic source rewrites: the always-on rules that
// run on every pass, and the issue-routed repairs for defects a reporter
// localized. Every rule is idempotent; running the fixer twice produces the
// same source as running it once.
type Fixer struct {
	log *logger.Logger
}

func NewFixer(log *logger.Logger) *Fixer {
	return &Fixer{log: log.With("service", "SceneFixer")}
}

type fixRule struct {
	name string
	fn   func(string) (string, bool)
}

// Table order matters: indexing rewrites run before the alias pass so line
// numbers referenced in them still match the input.
var alwaysOnRules = []fixRule{
	{"wait_zero", removeZeroWaits},
	{"tracker_number", rewriteTrackerNumber},
	{"center_alias", replaceAliases},
	{"mathtex_arrange", arrangeWideMathTex},
	{"table_vgroup", collapseTableVGroup},
	{"grid_lines", rewriteGridLines},
	{"table_cell", rewriteTableIndexing},
	{"plane_index", rewriteMatrixIndexing},
	{"frame_division", fixFrameDivision},
	{"nested_vgroup", collapseNestedVGroups},
}

// Apply runs every always-on rule and reports which ones changed the source.
func (f *Fixer) Apply(code string) (string, []string) {
	var applied []string
	for _, rule := range alwaysOnRules {
		out, changed := rule.fn(code)
		if changed {
			applied = append(applied, rule.name)
			code = out
		}
	}
	return code, applied
}

// ApplyIssues attempts the issue-routed repairs. It returns the rewritten
// source and the issues it actually consumed; everything else stays open for
// the caller to route elsewhere.
func (f *Fixer) ApplyIssues(code string, issues []domain.ValidationIssue) (string, []domain.ValidationIssue) {
	var consumed []domain.ValidationIssue
	for _, issue := range issues {
		var out string
		var ok bool
		switch issue.Category {
		case domain.IssueOutOfBounds:
			out, ok = fixOutOfBounds(code, issue)
		case domain.IssueTextOverlap:
			out, ok = fixTextOverlap(code, issue)
		case domain.IssueObjectOcclusion:
			out, ok = fixOcclusion(code, issue)
		}
		if ok {
			code = out
			consumed = append(consumed, issue)
		}
	}
	return code, consumed
}

// -------------------- always-on rules --------------------

var zeroWaitRe = regexp.MustCompile(`(?m)^[ \t]*self\.wait\(\s*0(?:\.0*)?\s*\)[ \t]*\r?\n`)

// removeZeroWaits drops self.wait(0) statements; the runtime rejects them.
func removeZeroWaits(code string) (string, bool) {
	out := zeroWaitRe.ReplaceAllString(code, "")
	return out, out != code
}

var trackerNumberRe = regexp.MustCompile(`(\w+)\.number\b`)

// rewriteTrackerNumber turns tracker.number reads into get_value() calls,
// leaving assignments to .number alone.
func rewriteTrackerNumber(code string) (string, bool) {
	ms := trackerNumberRe.FindAllStringSubmatchIndex(code, -1)
	if len(ms) == 0 {
		return code, false
	}
	changed := false
	for i := len(ms) - 1; i >= 0; i-- {
		m := ms[i]
		if isAssignmentTarget(code, m[1]) {
			continue
		}
		code = code[:m[1]-len(".number")] + ".get_value()" + code[m[1]:]
		changed = true
	}
	return code, changed
}

// isAssignmentTarget reports whether the expression ending at end is being
// assigned to (= but not ==, or an augmented assignment).
func isAssignmentTarget(code string, end int) bool {
	i := end
	for i < len(code) && (code[i] == ' ' || code[i] == '\t') {
		i++
	}
	if i >= len(code) {
		return false
	}
	switch code[i] {
	case '=':
		return i+1 >= len(code) || code[i+1] != '='
	case '+', '-', '*', '/':
		return i+1 < len(code) && code[i+1] == '='
	}
	return false
}

var aliasRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\bCENTER\b`), "ORIGIN"},
	{regexp.MustCompile(`\bTOP\b`), "UP"},
	{regexp.MustCompile(`\bBOTTOM\b`), "DOWN"},
	{regexp.MustCompile(`\bease_in_expo\b`), "smooth"},
}

// replaceAliases swaps identifiers the runtime does not define for their
// supported equivalents.
func replaceAliases(code string) (string, bool) {
	changed := false
	for _, r := range aliasRules {
		out := r.re.ReplaceAllString(code, r.repl)
		if out != code {
			changed = true
			code = out
		}
	}
	return code, changed
}

var mathTexAssignRe = regexp.MustCompile(`(?m)^([ \t]*)(\w+)\s*=\s*MathTex\(`)

// arrangeWideMathTex finds MathTex constructions with five or more positional
// arguments and arranges them in a row scaled into the frame. Long equations
// built from many parts otherwise render as one overflowing line.
func arrangeWideMathTex(code string) (string, bool) {
	ms := mathTexAssignRe.FindAllStringSubmatchIndex(code, -1)
	changed := false
	for i := len(ms) - 1; i >= 0; i-- {
		m := ms[i]
		indent := code[m[2]:m[3]]
		name := code[m[4]:m[5]]

		openIdx := m[1] - 1
		closeIdx := matchParen(code, openIdx)
		if closeIdx < 0 {
			continue
		}
		if countPositionalArgs(code[openIdx+1:closeIdx]) < 5 {
			continue
		}
		arrange := fmt.Sprintf("%s.arrange(RIGHT, buff=0.7)", name)
		if strings.Contains(code, arrange) {
			continue
		}
		insert := fmt.Sprintf("%s%s\n%s%s.scale_to_fit_width(min(%s.width, 10.5))\n",
			indent, arrange, indent, name, name)

		lineEnd := strings.IndexByte(code[closeIdx:], '\n')
		if lineEnd < 0 {
			code = code + "\n" + insert
		} else {
			at := closeIdx + lineEnd + 1
			code = code[:at] + insert + code[at:]
		}
		changed = true
	}
	return code, changed
}

var tableVGroupRe = regexp.MustCompile(`VGroup\(\s*(\w+)\s*,\s*([\w\s,]+?)\s*\)`)

// collapseTableVGroup rewrites VGroup(table, line_x, line_y) to just the
// table when every trailing member is line-named. The extra lines duplicate
// the table's own grid and double-draw.
func collapseTableVGroup(code string) (string, bool) {
	changed := false
	out := tableVGroupRe.ReplaceAllStringFunc(code, func(match string) string {
		sub := tableVGroupRe.FindStringSubmatch(match)
		rest := strings.Split(sub[2], ",")
		for _, member := range rest {
			if !strings.Contains(strings.ToLower(strings.TrimSpace(member)), "line") {
				return match
			}
		}
		changed = true
		return sub[1]
	})
	return out, changed
}

var gridLinesRe = regexp.MustCompile(`(\w+)\.grid_lines\b`)

// rewriteGridLines replaces the unsupported grid_lines attribute with the
// two-accessor construction the runtime provides.
func rewriteGridLines(code string) (string, bool) {
	out := gridLinesRe.ReplaceAllString(code, "VGroup($1.get_horizontal_lines(), $1.get_vertical_lines())")
	return out, out != code
}

var tableIndexRe = regexp.MustCompile(`\b(\w*[Tt]able\w*)\[(\d+)\]\[(\d+)\]`)

// rewriteTableIndexing turns table[i][j] into the 1-based get_cell call.
func rewriteTableIndexing(code string) (string, bool) {
	ms := tableIndexRe.FindAllStringSubmatchIndex(code, -1)
	if len(ms) == 0 {
		return code, false
	}
	for i := len(ms) - 1; i >= 0; i-- {
		m := ms[i]
		name := code[m[2]:m[3]]
		row, _ := strconv.Atoi(code[m[4]:m[5]])
		col, _ := strconv.Atoi(code[m[6]:m[7]])
		code = code[:m[0]] + fmt.Sprintf("%s.get_cell(%d, %d)", name, row+1, col+1) + code[m[1]:]
	}
	return code, true
}

var matrixIndexRe = regexp.MustCompile(`\b(\w*(?i:plane|matrix)\w*)\[(\d+)\]\[(\d+)\]`)

// rewriteMatrixIndexing merges chained [i][j] indexing on planes and matrices
// into the [i, j] form their __getitem__ expects.
func rewriteMatrixIndexing(code string) (string, bool) {
	out := matrixIndexRe.ReplaceAllString(code, "$1[$2, $3]")
	return out, out != code
}

var frameDivisionRe = regexp.MustCompile(`frame_width\s*/\s*8\b`)

// fixFrameDivision adjusts highlight-box width math: /8 leaves the box
// misaligned against 7-unit cells.
func fixFrameDivision(code string) (string, bool) {
	out := frameDivisionRe.ReplaceAllString(code, "frame_width / 7")
	return out, out != code
}

var nestedVGroupRe = regexp.MustCompile(`VGroup\(\s*VGroup\(([^()]*)\)\s*\)`)

func collapseNestedVGroups(code string) (string, bool) {
	changed := false
	for range [5]struct{}{} {
		out := nestedVGroupRe.ReplaceAllString(code, "VGroup($1)")
		if out == code {
			break
		}
		changed = true
		code = out
	}
	return code, changed
}

// -------------------- issue-routed repairs --------------------

func fixOutOfBounds(code string, issue domain.ValidationIssue) (string, bool) {
	out := ClampCoordinates(code)
	changed := out != code
	code = out

	if overflow, _ := issue.Details["is_group_overflow"].(bool); overflow {
		obj := issueObject(issue)
		if obj != "" {
			stmt := fmt.Sprintf("%s.scale_to_fit_width(min(%s.width, 12.0))", obj, obj)
			if withStmt, ok := insertAfterAssignment(code, obj, stmt); ok {
				code = withStmt
				changed = true
			}
		}
	}
	return code, changed
}

func fixTextOverlap(code string, issue domain.ValidationIssue) (string, bool) {
	first, _ := issue.Details["text"].(string)
	second, _ := issue.Details["other_text"].(string)

	anchor := findTextVar(code, first)
	moved := findTextVar(code, second)
	if moved == "" {
		moved = issueObject(issue)
	}
	if moved == "" {
		return code, false
	}

	var stmt string
	if anchor != "" && anchor != moved {
		stmt = fmt.Sprintf("%s.next_to(%s, DOWN, buff=0.4)", moved, anchor)
	} else {
		stmt = fmt.Sprintf("%s.shift(DOWN * 0.8)", moved)
	}
	return insertAfterAssignment(code, moved, stmt)
}

func fixOcclusion(code string, issue domain.ValidationIssue) (string, bool) {
	obj := issueObject(issue)
	if obj == "" {
		return code, false
	}
	return insertAfterAssignment(code, obj, fmt.Sprintf("%s.set_fill(opacity=0)", obj))
}

func issueObject(issue domain.ValidationIssue) string {
	if issue.Object != "" {
		return issue.Object
	}
	obj, _ := issue.Details["object"].(string)
	return obj
}

// ClampCoordinates pulls every hardcoded position and direction offset into
// the safe box, preserving sign.
func ClampCoordinates(code string) string {
	code = clampListCoords(code)
	return clampDirOffsets(code)
}

func clampListCoords(code string) string {
	ms := coordListRe.FindAllStringSubmatchIndex(code, -1)
	for i := len(ms) - 1; i >= 0; i-- {
		m := ms[i]
		x, errx := strconv.ParseFloat(code[m[4]:m[5]], 64)
		y, erry := strconv.ParseFloat(code[m[6]:m[7]], 64)
		if errx != nil || erry != nil {
			continue
		}
		cx := clampTo(x, safeBoundX)
		cy := clampTo(y, safeBoundY)
		if cx == x && cy == y {
			continue
		}
		code = code[:m[6]] + formatCoord(cy) + code[m[7]:]
		code = code[:m[4]] + formatCoord(cx) + code[m[5]:]
	}
	return code
}

func clampDirOffsets(code string) string {
	calls := dirScaleRe.FindAllStringSubmatchIndex(code, -1)
	for i := len(calls) - 1; i >= 0; i-- {
		c := calls[i]
		arg := code[c[4]:c[5]]
		terms := dirTermRe.FindAllStringSubmatchIndex(arg, -1)
		argChanged := false
		for j := len(terms) - 1; j >= 0; j-- {
			t := terms[j]
			var dir string
			var facStart, facEnd int
			if t[2] >= 0 {
				dir = arg[t[2]:t[3]]
				facStart, facEnd = t[4], t[5]
			} else {
				facStart, facEnd = t[6], t[7]
				dir = arg[t[8]:t[9]]
			}
			factor, err := strconv.ParseFloat(arg[facStart:facEnd], 64)
			if err != nil {
				continue
			}
			limit := safeLimitFor(dir, safeBoundX, safeBoundY)
			if factor <= limit {
				continue
			}
			arg = arg[:facStart] + formatCoord(limit) + arg[facEnd:]
			argChanged = true
		}
		if argChanged {
			code = code[:c[4]] + arg + code[c[5]:]
		}
	}
	return code
}

func clampTo(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// findTextVar locates the variable a Text construction with the given content
// was assigned to. Content longer than a prefix still matches; the checker
// reports full strings but assignments may wrap.
func findTextVar(code, content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}
	probe := content
	if len(probe) > 24 {
		probe = probe[:24]
	}
	re := regexp.MustCompile(`(\w+)\s*=\s*(?:Text|Tex|MathTex|Paragraph)\(\s*["']` + regexp.QuoteMeta(probe))
	if m := re.FindStringSubmatch(code); m != nil {
		return m[1]
	}
	return ""
}

// insertAfterAssignment places stmt on its own line directly after varName's
// (possibly multi-line) assignment statement, matching its indentation. The
// insert is idempotent: an already-present stmt reports success without a
// second copy.
func insertAfterAssignment(code, varName, stmt string) (string, bool) {
	if strings.Contains(code, stmt) {
		return code, true
	}
	re := regexp.MustCompile(`(?m)^([ \t]*)` + regexp.QuoteMeta(varName) + `\s*=[^=]`)
	loc := re.FindStringSubmatchIndex(code)
	if loc == nil {
		return code, false
	}
	indent := code[loc[2]:loc[3]]

	end := statementEnd(code, loc[0])
	return code[:end] + indent + stmt + "\n" + code[end:], true
}

// statementEnd returns the offset just past the newline ending the statement
// that starts at start, accounting for parentheses spanning lines.
func statementEnd(code string, start int) int {
	depth := 0
	inStr := byte(0)
	i := start
	for i < len(code) {
		ch := code[i]
		if inStr != 0 {
			if ch == '\\' {
				i += 2
				continue
			}
			if ch == inStr {
				inStr = 0
			}
			i++
			continue
		}
		switch ch {
		case '\'', '"':
			inStr = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case '\n':
			if depth <= 0 {
				return i + 1
			}
		}
		i++
	}
	return len(code)
}

// matchParen returns the index of the parenthesis closing the one at open,
// or -1. String literals are skipped.
func matchParen(code string, open int) int {
	if open >= len(code) || code[open] != '(' {
		return -1
	}
	depth := 0
	inStr := byte(0)
	for i := open; i < len(code); i++ {
		ch := code[i]
		if inStr != 0 {
			if ch == '\\' {
				i++
				continue
			}
			if ch == inStr {
				inStr = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			inStr = ch
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// countPositionalArgs counts top-level arguments without a keyword form in a
// call's argument text.
func countPositionalArgs(args string) int {
	parts := splitTopLevel(args)
	n := 0
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if kwargRe.MatchString(p) {
			continue
		}
		n++
	}
	return n
}

var kwargRe = regexp.MustCompile(`^\w+\s*=[^=]`)

// splitTopLevel splits on commas at bracket depth zero, outside strings.
func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	inStr := byte(0)
	last := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inStr != 0 {
			if ch == '\\' {
				i++
				continue
			}
			if ch == inStr {
				inStr = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			inStr = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, s[last:])
	return parts
}
