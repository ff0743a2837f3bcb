package refine

import (
	"fmt"
	"strings"
)

const spatialMarker = "# __spatial_check__"

// checkerSource is the helper method injected into generated scenes before a
// probe render. It walks the final mobject set, reports anything outside the
// frame or pairs of overlapping text, and fails the render so the probe sees
// a structured diagnostic on stderr. Emitted relative to the class body; the
// injector re-indents it.
const checkerSource = `# __spatial_check__
def _spatial_check(self):
    import json as _json
    import sys as _sys
    issues = []
    warnings = []
    visible = [m for m in self.mobjects
               if getattr(m, "width", 0) > 0.1 and getattr(m, "height", 0) > 0.1]
    for m in visible:
        c = m.get_center()
        x0, x1 = c[0] - m.width / 2, c[0] + m.width / 2
        y0, y1 = c[1] - m.height / 2, c[1] + m.height / 2
        entry = {
            "type": "out_of_bounds",
            "object": type(m).__name__,
            "text": str(getattr(m, "text", ""))[:80],
            "position": [round(float(c[0]), 2), round(float(c[1]), 2)],
        }
        if x0 < -7.1 or x1 > 7.1 or y0 < -4.0 or y1 > 4.0:
            issues.append(entry)
        elif x0 < -6.5 or x1 > 6.5 or y0 < -3.5 or y1 > 3.5:
            entry["type"] = "near_bounds"
            warnings.append(entry)
    texts = [m for m in visible
             if "Text" in type(m).__name__ and hasattr(m, "text")]
    for i in range(len(texts)):
        for j in range(i + 1, len(texts)):
            a, b = texts[i], texts[j]
            ac, bc = a.get_center(), b.get_center()
            if (abs(ac[0] - bc[0]) < (a.width + b.width) / 2
                    and abs(ac[1] - bc[1]) < (a.height + b.height) / 2):
                issues.append({
                    "type": "text_overlap",
                    "object": type(a).__name__,
                    "text": str(a.text)[:80],
                    "other_text": str(b.text)[:80],
                    "position": [round(float(ac[0]), 2), round(float(ac[1]), 2)],
                })
    if issues:
        print("SPATIAL_ISSUES_JSON:" + _json.dumps(issues), file=_sys.stderr)
        _sys.exit("Spatial Error: " + str(len(issues)) + " issues found")
    if warnings:
        print("SPATIAL_WARNING:" + _json.dumps(warnings), file=_sys.stderr)`

// InjectChecker adds the spatial checker method to the scene class and a call
// to it as the last statement of construct. Injection is idempotent: code
// already carrying the marker comes back unchanged.
func InjectChecker(code string) (string, error) {
	if strings.Contains(code, spatialMarker) {
		return code, nil
	}
	lines := strings.Split(code, "\n")

	defIdx := -1
	var defIndent string
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "def construct(self") {
			defIdx = i
			defIndent = leadingWhitespace(line)
			break
		}
	}
	if defIdx < 0 {
		return "", fmt.Errorf("no construct method to instrument")
	}
	if defIndent == "" {
		return "", fmt.Errorf("construct is not a class method")
	}

	// Last non-blank line of the construct body; the check call goes after it.
	bodyEnd := defIdx
	for i := defIdx + 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		if len(leadingWhitespace(lines[i])) <= len(defIndent) {
			break
		}
		bodyEnd = i
	}
	if bodyEnd == defIdx {
		return "", fmt.Errorf("construct method has an empty body")
	}

	callLine := defIndent + "    self._spatial_check()"
	withCall := make([]string, 0, len(lines)+1)
	withCall = append(withCall, lines[:bodyEnd+1]...)
	withCall = append(withCall, callLine)
	withCall = append(withCall, lines[bodyEnd+1:]...)
	lines = withCall

	// The helper method sits at the end of the class body: before the first
	// top-level line after construct, else at EOF.
	classEnd := len(lines)
	for i := defIdx + 1; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		if t == "" {
			continue
		}
		if leadingWhitespace(lines[i]) == "" {
			classEnd = i
			break
		}
	}

	helper := append([]string{""}, indentBlock(checkerSource, defIndent)...)
	out := make([]string, 0, len(lines)+len(helper))
	out = append(out, lines[:classEnd]...)
	out = append(out, helper...)
	out = append(out, lines[classEnd:]...)
	return strings.Join(out, "\n"), nil
}

func leadingWhitespace(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}

func indentBlock(block, indent string) []string {
	lines := strings.Split(block, "\n")
	out := make([]string, len(lines))
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			out[i] = ""
			continue
		}
		out[i] = indent + line
	}
	return out
}
