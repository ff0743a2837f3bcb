package domain

import (
	"time"
)

type JobStatus string

const (
	JobStatusPending             JobStatus = "pending"
	JobStatusAnalyzing           JobStatus = "analyzing"
	JobStatusGeneratingScript    JobStatus = "generating_script"
	JobStatusCreatingAnimations  JobStatus = "creating_animations"
	JobStatusSynthesizingAudio   JobStatus = "synthesizing_audio"
	JobStatusComposingVideo      JobStatus = "composing_video"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusFailed              JobStatus = "failed"
)

// statusRank orders statuses along the pipeline. The two section-phase
// statuses share a rank because sections interleave audio and animation work.
var statusRank = map[JobStatus]int{
	JobStatusPending:            0,
	JobStatusAnalyzing:          1,
	JobStatusGeneratingScript:   2,
	JobStatusCreatingAnimations: 3,
	JobStatusSynthesizingAudio:  3,
	JobStatusComposingVideo:     4,
	JobStatusCompleted:          5,
	JobStatusFailed:             5,
}

func (s JobStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Active reports whether the job still owns its artifacts: cleanup and cache
// eviction must leave active jobs alone. Pending counts, it is about to run.
func (s JobStatus) Active() bool {
	return s.Valid() && !s.Terminal()
}

// InProgress reports whether pipeline work has actually started, which
// excludes pending.
func (s JobStatus) InProgress() bool {
	return s.Active() && s != JobStatusPending
}

// CanAdvanceTo reports whether moving from s to next respects pipeline order.
// Failure is reachable from any non-terminal status.
func (s JobStatus) CanAdvanceTo(next JobStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s.Terminal() {
		return false
	}
	if next == JobStatusFailed {
		return true
	}
	return statusRank[next] >= statusRank[s]
}

// GenerateRequest is the video-generation request a job was created from. It
// is persisted verbatim inside the job record so a resume can replay it.
type GenerateRequest struct {
	Topics          []string `json:"topics"`
	FileID          string   `json:"file_id,omitempty"`
	AnalysisID      string   `json:"analysis_id,omitempty"`
	DocumentContext string   `json:"document_context,omitempty"`
	ContentFocus    string   `json:"content_focus,omitempty"`
	Language        string   `json:"language,omitempty"`
	Voice           string   `json:"voice,omitempty"`
	VideoMode       string   `json:"video_mode,omitempty"`
	ResumeJobID     string   `json:"resume_job_id,omitempty"`
}

const (
	VideoModeOverview      = "overview"
	VideoModeComprehensive = "comprehensive"
)

type JobResult struct {
	VideoPath     string  `json:"video_path"`
	ThumbnailPath string  `json:"thumbnail_path,omitempty"`
	Duration      float64 `json:"duration"`
	Sections      int     `json:"sections"`
}

// Job is the durable record kept at job_data_root/<job_id>.json. Artifact
// files, not this record, are the source of truth for resume decisions.
type Job struct {
	ID                string           `json:"job_id"`
	Status            JobStatus        `json:"status"`
	Progress          int              `json:"progress"`
	Message           string           `json:"message,omitempty"`
	Error             string           `json:"error,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	Request           *GenerateRequest `json:"request,omitempty"`
	Result            *JobResult       `json:"result,omitempty"`
	ResumedFrom       string           `json:"resumed_from,omitempty"`
	SectionsTotal     int              `json:"sections_total,omitempty"`
	SectionsCompleted int              `json:"sections_completed,omitempty"`
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Request != nil {
		req := *j.Request
		req.Topics = append([]string(nil), j.Request.Topics...)
		cp.Request = &req
	}
	if j.Result != nil {
		res := *j.Result
		cp.Result = &res
	}
	return &cp
}
