package domain

import "strings"

// NarrationSegment is one spoken beat of a section. Emphasis is a hint for
// the TTS voice, not a requirement.
type NarrationSegment struct {
	Text     string `json:"text"`
	Emphasis string `json:"emphasis,omitempty"`
}

func (s NarrationSegment) WordCount() int {
	return len(strings.Fields(s.Text))
}

type ScriptSection struct {
	Heading string `json:"heading"`
	Summary string `json:"summary,omitempty"`
	// Narration is the legacy single-blob form; current scripts carry
	// Segments and leave it empty.
	Narration string             `json:"narration,omitempty"`
	Segments  []NarrationSegment `json:"segments"`
}

func (s ScriptSection) NarrationText() string {
	parts := make([]string, 0, len(s.Segments))
	for _, seg := range s.Segments {
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

type Script struct {
	Title    string          `json:"title"`
	Language string          `json:"language,omitempty"`
	Sections []ScriptSection `json:"sections"`
}

// Normalize trims segment text and drops empty segments. A section whose
// segment list empties out but still carries legacy Narration gets one
// synthetic segment from it; sections with neither are dropped. Returns the
// number of surviving sections.
func (s *Script) Normalize() int {
	if s == nil {
		return 0
	}
	sections := s.Sections[:0]
	for _, sec := range s.Sections {
		segs := sec.Segments[:0]
		for _, seg := range sec.Segments {
			seg.Text = strings.TrimSpace(seg.Text)
			if seg.Text == "" {
				continue
			}
			segs = append(segs, seg)
		}
		sec.Segments = segs
		sec.Heading = strings.TrimSpace(sec.Heading)
		sec.Narration = strings.TrimSpace(sec.Narration)
		if len(sec.Segments) == 0 && sec.Narration != "" {
			sec.Segments = []NarrationSegment{{Text: sec.Narration}}
		}
		if len(sec.Segments) == 0 {
			continue
		}
		sections = append(sections, sec)
	}
	s.Sections = sections
	return len(s.Sections)
}

// Analysis is the cached result of a document analysis run.
type Analysis struct {
	ID              string   `json:"analysis_id"`
	FileID          string   `json:"file_id"`
	MaterialType    string   `json:"material_type"`
	Summary         string   `json:"summary"`
	SuggestedTopics []string `json:"suggested_topics"`
}
