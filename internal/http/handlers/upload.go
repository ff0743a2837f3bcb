package handlers

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/lectern-backend/internal/artifact"
	"github.com/yungbote/lectern-backend/internal/http/response"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

// maxUploadBytes caps source documents at 50 MB.
var maxUploadBytes int64 = 50 << 20

var allowedUploadExts = map[string]bool{
	".pdf":  true,
	".txt":  true,
	".md":   true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".docx": true,
}

type UploadHandler struct {
	log   *logger.Logger
	store *artifact.Store
}

func NewUploadHandler(log *logger.Logger, store *artifact.Store) *UploadHandler {
	return &UploadHandler{log: log.With("handler", "Upload"), store: store}
}

// Upload accepts one multipart file and stores it under a fresh file id,
// keeping the original extension so analysis can pick a parser.
func (h *UploadHandler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes+(1<<20))

	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "missing_file", fmt.Errorf("multipart field %q required", "file"))
		return
	}
	if fileHeader.Size > maxUploadBytes {
		response.RespondError(c, http.StatusBadRequest, "file_too_large",
			fmt.Errorf("file is %d bytes, limit is %d", fileHeader.Size, maxUploadBytes))
		return
	}
	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if !allowedUploadExts[ext] {
		response.RespondError(c, http.StatusBadRequest, "unsupported_file_type",
			fmt.Errorf("extension %q is not supported", ext))
		return
	}

	fileID := uuid.NewString()
	dst := h.store.UploadPath(fileID, ext)
	if err := c.SaveUploadedFile(fileHeader, dst); err != nil {
		h.log.Error("upload save failed", "file_id", fileID, "error", err.Error())
		response.RespondError(c, http.StatusInternalServerError, "upload_failed", err)
		return
	}

	h.log.Info("upload stored", "file_id", fileID, "filename", fileHeader.Filename, "size", fileHeader.Size)
	response.RespondOK(c, gin.H{
		"file_id":  fileID,
		"filename": fileHeader.Filename,
		"size":     fileHeader.Size,
	})
}
