package refine

// ChoreographyPlan is the stage-1 output: a structured description of what
// appears on screen and when, which the implementer turns into scene code.
// Version is pinned to "2.0"; older plans are not read back.
type ChoreographyPlan struct {
	Version     string         `json:"version"`
	Scene       PlanScene      `json:"scene"`
	Objects     []PlanObject   `json:"objects"`
	Timeline    []PlanBeat     `json:"timeline"`
	Constraints map[string]any `json:"constraints,omitempty"`
	Notes       string         `json:"notes,omitempty"`
}

type PlanScene struct {
	Mode       string     `json:"mode"`
	Camera     string     `json:"camera"`
	SafeBounds SafeBounds `json:"safe_bounds"`
}

// SafeBounds is the half-extent box objects must stay inside, in manim
// scene units.
type SafeBounds struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PlanObject is one visual element: id for timeline references, type is a
// manim-ish kind (text, formula, diagram, table, graph), zone is a coarse
// layout region (top, center, left, ...), content is what it shows.
type PlanObject struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Zone    string `json:"zone"`
	Content string `json:"content"`
}

// PlanBeat is one timeline event bound to a narration segment's window.
type PlanBeat struct {
	Segment   int      `json:"segment"`
	Start     float64  `json:"start"`
	End       float64  `json:"end"`
	Action    string   `json:"action"`
	Objects   []string `json:"objects"`
	Narration string   `json:"narration,omitempty"`
}

// planSchema is the Gemini responseSchema for ChoreographyPlan. Type names
// follow the provider's enum casing.
func planSchema() map[string]any {
	return map[string]any{
		"type": "OBJECT",
		"properties": map[string]any{
			"version": map[string]any{"type": "STRING"},
			"scene": map[string]any{
				"type": "OBJECT",
				"properties": map[string]any{
					"mode":   map[string]any{"type": "STRING"},
					"camera": map[string]any{"type": "STRING"},
					"safe_bounds": map[string]any{
						"type": "OBJECT",
						"properties": map[string]any{
							"x": map[string]any{"type": "NUMBER"},
							"y": map[string]any{"type": "NUMBER"},
						},
					},
				},
				"required": []string{"mode"},
			},
			"objects": map[string]any{
				"type": "ARRAY",
				"items": map[string]any{
					"type": "OBJECT",
					"properties": map[string]any{
						"id":      map[string]any{"type": "STRING"},
						"type":    map[string]any{"type": "STRING"},
						"role":    map[string]any{"type": "STRING"},
						"zone":    map[string]any{"type": "STRING"},
						"content": map[string]any{"type": "STRING"},
					},
					"required": []string{"id", "type", "zone", "content"},
				},
			},
			"timeline": map[string]any{
				"type": "ARRAY",
				"items": map[string]any{
					"type": "OBJECT",
					"properties": map[string]any{
						"segment":   map[string]any{"type": "INTEGER"},
						"start":     map[string]any{"type": "NUMBER"},
						"end":       map[string]any{"type": "NUMBER"},
						"action":    map[string]any{"type": "STRING"},
						"objects":   map[string]any{"type": "ARRAY", "items": map[string]any{"type": "STRING"}},
						"narration": map[string]any{"type": "STRING"},
					},
					"required": []string{"segment", "start", "end", "action"},
				},
			},
			"notes": map[string]any{"type": "STRING"},
		},
		"required": []string{"version", "scene", "objects", "timeline"},
	}
}
