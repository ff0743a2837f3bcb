package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/lectern-backend/internal/artifact"
	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/http/response"
	"github.com/yungbote/lectern-backend/internal/jobs"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

type JobHandler struct {
	log     *logger.Logger
	manager *jobs.Manager
	store   *artifact.Store
}

func NewJobHandler(log *logger.Logger, manager *jobs.Manager, store *artifact.Store) *JobHandler {
	return &JobHandler{log: log.With("handler", "Job"), manager: manager, store: store}
}

// jobID validates the :id path parameter. A malformed id is a 400, never
// a 404, so clients can distinguish bad requests from expired jobs.
func jobID(c *gin.Context) (string, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", fmt.Errorf("job id must be a uuid"))
		return "", false
	}
	return id.String(), true
}

func (h *JobHandler) Get(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, err := h.manager.Get(id)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}
	response.RespondOK(c, job)
}

// Delete removes the job record and its artifacts. Active jobs cannot be
// deleted; they own their directory until they reach a terminal status.
func (h *JobHandler) Delete(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, err := h.manager.Get(id)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}
	if job.Status.Active() {
		response.RespondError(c, http.StatusConflict, "job_active",
			fmt.Errorf("job is %s, wait for it to finish", job.Status))
		return
	}
	if _, err := h.manager.Delete(id); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		response.RespondError(c, http.StatusInternalServerError, "delete_failed", err)
		return
	}
	if err := h.store.RemoveJobDir(id); err != nil {
		h.log.Warn("job outputs removal failed", "job_id", id, "error", err.Error())
	}
	h.log.Info("job deleted", "job_id", id)
	response.RespondOK(c, gin.H{"deleted": true})
}

// ResumeSnapshot reports the filesystem-derived progress a resume would
// start from.
func (h *JobHandler) ResumeSnapshot(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	if _, err := h.manager.Get(id); err != nil {
		response.RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}
	snap, err := h.store.Snapshot(id)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "snapshot_failed", err)
		return
	}
	response.RespondOK(c, gin.H{
		"resumable":          snap.Resumable(),
		"has_script":         snap.HasScript,
		"completed_sections": snap.CompletedSections,
		"total_sections":     snap.TotalSections,
		"completion_pct":     snap.CompletionPct(),
	})
}

// Video streams the final mp4 for a completed job.
func (h *JobHandler) Video(c *gin.Context) {
	h.serveArtifact(c, h.store.FinalVideoPath, "video_not_ready")
}

// Thumbnail serves the job's thumbnail.jpg.
func (h *JobHandler) Thumbnail(c *gin.Context) {
	h.serveArtifact(c, h.store.ThumbnailPath, "thumbnail_not_ready")
}

func (h *JobHandler) serveArtifact(c *gin.Context, path func(string) string, code string) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, err := h.manager.Get(id)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}
	if job.Status != domain.JobStatusCompleted {
		response.RespondError(c, http.StatusNotFound, code,
			fmt.Errorf("job is %s", job.Status))
		return
	}
	p := path(id)
	if info, err := os.Stat(p); err != nil || info.Size() == 0 {
		response.RespondError(c, http.StatusNotFound, code, fmt.Errorf("artifact missing"))
		return
	}
	c.File(p)
}
