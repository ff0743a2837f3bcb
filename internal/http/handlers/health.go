package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/lectern-backend/internal/http/response"
)

// ToolChecker reports per-binary availability of the media runtime.
type ToolChecker interface {
	CheckTools(ctx context.Context) map[string]error
}

type HealthHandler struct {
	tools ToolChecker
}

func NewHealthHandler(tools ToolChecker) *HealthHandler {
	return &HealthHandler{tools: tools}
}

// Check reports process liveness plus the state of every external binary
// the pipeline shells out to.
func (h *HealthHandler) Check(c *gin.Context) {
	status := "ok"
	tools := map[string]string{}
	if h.tools != nil {
		for name, err := range h.tools.CheckTools(c.Request.Context()) {
			if err != nil {
				tools[name] = err.Error()
				status = "degraded"
				continue
			}
			tools[name] = "ok"
		}
	}
	response.RespondOK(c, gin.H{
		"status": status,
		"tools":  tools,
	})
}
