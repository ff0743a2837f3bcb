package jobs

import (
	"math"

	"github.com/yungbote/lectern-backend/internal/domain"
)

// Pipeline stages in the order the orchestrator runs them. Each stage reports
// its own 0..100 and the mapper places it inside the overall bar.
const (
	StageAnalysis  = "analysis"
	StageScript    = "script"
	StageSections  = "sections"
	StageCombining = "combining"
)

// OverallProgress maps a stage-local percentage into the job's overall
// 0..100:
//
//	analysis   x0.1       ->  0..10
//	script     x0.1       ->  0..10
//	sections   x0.8 + 10  -> 10..90
//	combining  x0.1 + 90  -> 90..100
//
// The script stage shares the analysis band; the monotonic clamp in
// UpdateProgress keeps the bar from stepping back when script starts at 0.
func OverallProgress(stage string, stagePct float64) int {
	if stagePct < 0 {
		stagePct = 0
	}
	if stagePct > 100 {
		stagePct = 100
	}
	var overall float64
	switch stage {
	case StageAnalysis, StageScript:
		overall = stagePct * 0.1
	case StageSections:
		overall = stagePct*0.8 + 10
	case StageCombining:
		overall = stagePct*0.1 + 90
	default:
		overall = stagePct
	}
	return int(math.Round(overall))
}

// StageForStatus names the stage a status belongs to. Both section-phase
// statuses map to the sections stage.
func StageForStatus(status domain.JobStatus) string {
	switch status {
	case domain.JobStatusAnalyzing:
		return StageAnalysis
	case domain.JobStatusGeneratingScript:
		return StageScript
	case domain.JobStatusCreatingAnimations, domain.JobStatusSynthesizingAudio:
		return StageSections
	case domain.JobStatusComposingVideo:
		return StageCombining
	default:
		return ""
	}
}

// StatusForStage is the canonical status entered when a stage begins.
func StatusForStage(stage string) domain.JobStatus {
	switch stage {
	case StageAnalysis:
		return domain.JobStatusAnalyzing
	case StageScript:
		return domain.JobStatusGeneratingScript
	case StageSections:
		return domain.JobStatusCreatingAnimations
	case StageCombining:
		return domain.JobStatusComposingVideo
	default:
		return ""
	}
}

// ReportStageProgress folds a stage-local progress report into the job
// record: overall percentage via the stage mapping, message as given.
func (m *Manager) ReportStageProgress(jobID, stage string, stagePct float64, message string) {
	overall := OverallProgress(stage, stagePct)
	if _, err := m.UpdateProgress(jobID, overall, message); err != nil {
		m.log.Warn("stage progress update failed", "job_id", jobID, "stage", stage, "error", err)
	}
}
