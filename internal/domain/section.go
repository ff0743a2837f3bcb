package domain

import "time"

// SegmentTiming places one narration segment inside its section's audio
// track. Placeholder marks silence written in place of failed synthesis.
type SegmentTiming struct {
	Index       int     `json:"index"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Duration    float64 `json:"duration"`
	Placeholder bool    `json:"placeholder,omitempty"`
}

type SectionAudio struct {
	Path     string          `json:"path"`
	Duration float64         `json:"duration"`
	Segments []SegmentTiming `json:"segments"`
}

type SectionResult struct {
	Index     int             `json:"index"`
	VideoPath string          `json:"video_path"`
	AudioPath string          `json:"audio_path,omitempty"`
	Duration  float64         `json:"duration"`
	Segments  []SegmentTiming `json:"segments,omitempty"`
}

const (
	SectionPhaseAudio     = "audio"
	SectionPhaseAnimation = "animation"
	SectionPhaseDone      = "done"
	SectionPhaseFailed    = "failed"
)

// SectionStatus is the advisory live state written to sections/<i>/status.json
// by the single worker goroutine that owns the section.
type SectionStatus struct {
	Index     int       `json:"index"`
	Phase     string    `json:"phase"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
