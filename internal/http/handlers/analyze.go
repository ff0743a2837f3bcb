package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/lectern-backend/internal/artifact"
	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/http/response"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

// DocumentAnalyzer is the slice of script.Analyzer this handler needs.
type DocumentAnalyzer interface {
	Analyze(ctx context.Context, fileID, uploadPath string) (*domain.Analysis, error)
}

type AnalyzeHandler struct {
	log      *logger.Logger
	store    *artifact.Store
	analyzer DocumentAnalyzer
}

func NewAnalyzeHandler(log *logger.Logger, store *artifact.Store, analyzer DocumentAnalyzer) *AnalyzeHandler {
	return &AnalyzeHandler{log: log.With("handler", "Analyze"), store: store, analyzer: analyzer}
}

type analyzeRequest struct {
	FileID string `json:"file_id"`
}

// Analyze runs document analysis on a previously uploaded file. The result
// is cached by analysis_id for later generate calls.
func (h *AnalyzeHandler) Analyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.FileID == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_file_id", fmt.Errorf("file_id required"))
		return
	}
	path, err := h.store.FindUpload(req.FileID)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "file_not_found", err)
		return
	}

	analysis, err := h.analyzer.Analyze(c.Request.Context(), req.FileID, path)
	if err != nil {
		h.log.Error("document analysis failed", "file_id", req.FileID, "error", err.Error())
		response.RespondError(c, http.StatusInternalServerError, "analysis_failed", err)
		return
	}

	response.RespondOK(c, gin.H{
		"analysis_id":      analysis.ID,
		"material_type":    analysis.MaterialType,
		"summary":          analysis.Summary,
		"suggested_topics": analysis.SuggestedTopics,
	})
}
