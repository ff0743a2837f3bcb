package domain

import "time"

type Chapter struct {
	Title string  `json:"title"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// VideoInfo is written next to final_video.mp4 and survives success cleanup.
type VideoInfo struct {
	Title       string    `json:"title"`
	Duration    float64   `json:"duration"`
	Sections    []Chapter `json:"sections"`
	CreatedAt   time.Time `json:"created_at"`
	ResumedFrom string    `json:"resumed_from,omitempty"`
}
