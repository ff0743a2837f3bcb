package refine

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// timingTolerance is how far rendered duration may drift from the narration
// before the scene is padded.
const timingTolerance = 0.5

var (
	waitCallRe    = regexp.MustCompile(`self\.wait\(([^)]*)\)`)
	waitLiteralRe = regexp.MustCompile(`self\.wait\(\s*(-?\d+(?:\.\d+)?)\s*\)`)
	runTimeRe     = regexp.MustCompile(`run_time\s*=\s*(\d+(?:\.\d+)?)`)
)

// EstimateSceneDuration sums the declared run times of a scene without
// rendering it: each self.play counts its run_time keyword (default 1s), each
// self.wait counts its literal argument (default 1s). Variable arguments fall
// back to the defaults, so the estimate is a floor, not an exact figure.
func EstimateSceneDuration(code string) float64 {
	total := 0.0

	idx := 0
	for {
		rel := strings.Index(code[idx:], "self.play(")
		if rel < 0 {
			break
		}
		open := idx + rel + len("self.play")
		close := matchParen(code, open)
		if close < 0 {
			break
		}
		total += playRunTime(code[open+1 : close])
		idx = close + 1
	}

	for _, m := range waitCallRe.FindAllStringSubmatch(code, -1) {
		arg := strings.TrimSpace(m[1])
		if arg == "" {
			total += 1.0
			continue
		}
		f, err := strconv.ParseFloat(arg, 64)
		switch {
		case err != nil:
			total += 1.0
		case f > 0:
			total += f
		}
	}
	return total
}

func playRunTime(args string) float64 {
	if m := runTimeRe.FindStringSubmatch(args); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil && f > 0 {
			return f
		}
	}
	return 1.0
}

// AdjustTiming pads a scene that runs shorter than its narration: the last
// literal wait is extended by the shortfall, or a trailing wait is appended
// when none exists. Scenes that run long are left alone. Non-positive wait
// literals are always rewritten to 0.10 because manim rejects wait(0) in
// some render paths.
func AdjustTiming(code string, current, target float64) (string, bool) {
	out := code
	changed := false

	if delta := target - current; delta > timingTolerance {
		if next, ok := extendLastWait(out, delta); ok {
			out, changed = next, true
		} else if next, ok := appendToConstruct(out, "self.wait("+formatSeconds(delta)+")"); ok {
			out, changed = next, true
		}
	}

	if next := rewriteNonPositiveWaits(out); next != out {
		out, changed = next, true
	}
	return out, changed
}

func extendLastWait(code string, delta float64) (string, bool) {
	matches := waitLiteralRe.FindAllStringSubmatchIndex(code, -1)
	if len(matches) == 0 {
		return code, false
	}
	m := matches[len(matches)-1]
	current, err := strconv.ParseFloat(code[m[2]:m[3]], 64)
	if err != nil {
		return code, false
	}
	extended := current + delta
	if extended < 0.1 {
		extended = 0.1
	}
	return code[:m[0]] + "self.wait(" + formatSeconds(extended) + ")" + code[m[1]:], true
}

func rewriteNonPositiveWaits(code string) string {
	matches := waitLiteralRe.FindAllStringSubmatchIndex(code, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		f, err := strconv.ParseFloat(code[m[2]:m[3]], 64)
		if err != nil || f > 0 {
			continue
		}
		code = code[:m[0]] + "self.wait(0.10)" + code[m[1]:]
	}
	return code
}

// appendToConstruct inserts stmt as the final statement of the construct
// method body, matching the body's indentation.
func appendToConstruct(code, stmt string) (string, bool) {
	lines := strings.Split(code, "\n")
	defIdx := -1
	defIndent := ""
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "def construct(self") {
			defIdx = i
			defIndent = leadingWhitespace(line)
			break
		}
	}
	if defIdx < 0 {
		return code, false
	}

	bodyEnd := -1
	bodyIndent := ""
	for i := defIdx + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		indent := leadingWhitespace(lines[i])
		if len(indent) <= len(defIndent) {
			break
		}
		bodyEnd = i
		if bodyIndent == "" {
			bodyIndent = indent
		}
	}
	if bodyEnd < 0 {
		return code, false
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:bodyEnd+1]...)
	out = append(out, bodyIndent+stmt)
	out = append(out, lines[bodyEnd+1:]...)
	return strings.Join(out, "\n"), true
}

func formatSeconds(f float64) string {
	return strconv.FormatFloat(math.Round(f*100)/100, 'f', 2, 64)
}
