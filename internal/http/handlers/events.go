package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/lectern-backend/internal/platform/logger"
	"github.com/yungbote/lectern-backend/internal/realtime"
)

type EventsHandler struct {
	log *logger.Logger
	hub *realtime.SSEHub
}

func NewEventsHandler(log *logger.Logger, hub *realtime.SSEHub) *EventsHandler {
	return &EventsHandler{log: log.With("handler", "Events"), hub: hub}
}

// Stream subscribes the caller to one job's event channel and serves SSE
// until the client disconnects.
func (h *EventsHandler) Stream(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	client := h.hub.NewSSEClient()
	h.hub.AddChannel(client, id)
	defer h.hub.CloseClient(client)

	h.log.Debug("SSE stream open", "job_id", id)
	h.hub.ServeHTTP(c.Writer, c.Request, client)
	h.log.Debug("SSE stream closed", "job_id", id)
}
