package rooms

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/response"
)

// Store is the read side of the room repository.
type Store interface {
	GetByID(ctx context.Context, id string) (*models.RoomSnapshot, error)
	ListTop(ctx context.Context, limit int) ([]models.RoomSnapshot, error)
}

// Handler serves discovered rooms to operators.
type Handler struct {
	repo Store
}

// NewHandler creates a rooms handler.
func NewHandler(repo Store) *Handler {
	return &Handler{repo: repo}
}

// ListTop handles GET /rooms?limit=.
func (h *Handler) ListTop(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.repo.ListTop(c.Request.Context(), limit)
	if err != nil {
		response.Internal(c, "failed to list rooms")
		return
	}
	if list == nil {
		list = []models.RoomSnapshot{}
	}
	response.OK(c, list)
}

// Get handles GET /rooms/:id.
func (h *Handler) Get(c *gin.Context) {
	room, err := h.repo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Internal(c, "failed to load room")
		return
	}
	if room == nil {
		response.NotFound(c, "room not found")
		return
	}
	response.OK(c, room)
}
