package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/http/response"
	"github.com/yungbote/lectern-backend/internal/jobs"
	"github.com/yungbote/lectern-backend/internal/pipeline"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

// PipelineRunner is the slice of pipeline.Orchestrator this handler needs:
// fresh runs and resume validation.
type PipelineRunner interface {
	Run(ctx context.Context, jobID string)
	ResumeJob(req *domain.GenerateRequest) (*domain.Job, error)
}

// Launcher tracks pipeline goroutines on the process run context so
// shutdown can drain them. It refuses work once shutdown begins.
type Launcher interface {
	Launch(fn func(ctx context.Context)) bool
}

type GenerateHandler struct {
	log      *logger.Logger
	manager  *jobs.Manager
	runner   PipelineRunner
	launcher Launcher
}

func NewGenerateHandler(log *logger.Logger, manager *jobs.Manager, runner PipelineRunner, launcher Launcher) *GenerateHandler {
	return &GenerateHandler{
		log:      log.With("handler", "Generate"),
		manager:  manager,
		runner:   runner,
		launcher: launcher,
	}
}

// Generate creates a video job (or a resume successor) and launches the
// pipeline in the background. The response is always 202 with the job id;
// progress flows through the job record and the SSE stream.
func (h *GenerateHandler) Generate(c *gin.Context) {
	var req domain.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if len(req.Topics) == 0 && req.FileID == "" && req.AnalysisID == "" && req.ResumeJobID == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_input",
			fmt.Errorf("at least one topic, file_id or analysis_id required"))
		return
	}
	switch req.VideoMode {
	case "", domain.VideoModeOverview, domain.VideoModeComprehensive:
	default:
		response.RespondError(c, http.StatusBadRequest, "invalid_video_mode",
			fmt.Errorf("video_mode must be %q or %q", domain.VideoModeOverview, domain.VideoModeComprehensive))
		return
	}

	var (
		job *domain.Job
		err error
	)
	if req.ResumeJobID != "" {
		job, err = h.runner.ResumeJob(&req)
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			response.RespondError(c, http.StatusNotFound, "job_not_found", err)
			return
		case errors.Is(err, pipeline.ErrJobActive):
			response.RespondError(c, http.StatusConflict, "job_active", err)
			return
		case errors.Is(err, pipeline.ErrNotResumable):
			response.RespondError(c, http.StatusConflict, "not_resumable", err)
			return
		case err != nil:
			response.RespondError(c, http.StatusInternalServerError, "resume_failed", err)
			return
		}
	} else {
		job, err = h.manager.Create(&req)
		if err != nil {
			response.RespondError(c, http.StatusInternalServerError, "job_create_failed", err)
			return
		}
	}

	jobID := job.ID
	if ok := h.launcher.Launch(func(ctx context.Context) {
		h.runner.Run(ctx, jobID)
	}); !ok {
		if _, ferr := h.manager.Fail(jobID, "Server shutting down", ""); ferr != nil {
			h.log.Warn("could not fail job refused by launcher", "job_id", jobID, "error", ferr.Error())
		}
		response.RespondError(c, http.StatusServiceUnavailable, "shutting_down",
			fmt.Errorf("server is shutting down"))
		return
	}

	h.log.Info("job accepted", "job_id", jobID, "resumed_from", job.ResumedFrom)
	c.JSON(http.StatusAccepted, gin.H{
		"job_id": jobID,
		"status": job.Status,
	})
}
