package realtime

import (
	"github.com/yungbote/lectern-backend/internal/domain"
)

// JobNotifier bridges job manager mutations onto the SSE hub. Events go out
// on the job's own id channel.
type JobNotifier struct {
	hub *SSEHub
}

func NewJobNotifier(hub *SSEHub) *JobNotifier {
	return &JobNotifier{hub: hub}
}

func (n *JobNotifier) JobCreated(job *domain.Job) {
	if job == nil {
		return
	}
	n.hub.Broadcast(SSEMessage{
		Channel: job.ID,
		Event:   SSEEventJobCreated,
		Data:    map[string]any{"job": job},
	})
}

func (n *JobNotifier) JobProgress(job *domain.Job, stage string, progress int, message string) {
	if job == nil {
		return
	}
	n.hub.Broadcast(SSEMessage{
		Channel: job.ID,
		Event:   SSEEventJobProgress,
		Data: map[string]any{
			"job_id":   job.ID,
			"status":   job.Status,
			"stage":    stage,
			"progress": progress,
			"message":  message,
		},
	})
}

func (n *JobNotifier) JobDone(job *domain.Job) {
	if job == nil {
		return
	}
	n.hub.Broadcast(SSEMessage{
		Channel: job.ID,
		Event:   SSEEventJobDone,
		Data: map[string]any{
			"job_id": job.ID,
			"result": job.Result,
			"job":    job,
		},
	})
}

func (n *JobNotifier) JobFailed(job *domain.Job, errorMessage string) {
	if job == nil {
		return
	}
	n.hub.Broadcast(SSEMessage{
		Channel: job.ID,
		Event:   SSEEventJobFailed,
		Data: map[string]any{
			"job_id": job.ID,
			"error":  errorMessage,
			"job":    job,
		},
	})
}
