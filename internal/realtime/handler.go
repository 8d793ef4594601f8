package realtime

import (
	"github.com/gin-gonic/gin"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/response"
)

// Handler serves the sink's HTTP endpoints.
type Handler struct {
	hub *Hub
}

// NewHandler creates a sink handler.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	response.OK(c, h.hub.Live())
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	response.OK(c, gin.H{"status": "ok", "live_sessions": len(h.hub.Live())})
}
