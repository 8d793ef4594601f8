package sessionlog

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/response"
)

// Store is the read side of the session repository.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.CaptureSession, error)
	ListByRoom(ctx context.Context, roomID string, limit int) ([]models.CaptureSession, error)
	ListRecent(ctx context.Context, limit int) ([]models.CaptureSession, error)
}

// Presigner hands out download URLs for uploaded backups.
type Presigner interface {
	GeneratePresignedDownloadURL(ctx context.Context, key string, expires time.Duration) (string, error)
	PresignExpire() time.Duration
}

// Handler serves capture session history to operators.
type Handler struct {
	repo    Store
	presign Presigner
}

// NewHandler creates a session history handler. presign may be nil when S3 is not configured.
func NewHandler(repo Store, presign Presigner) *Handler {
	return &Handler{repo: repo, presign: presign}
}

// List handles GET /history?room_id=&limit=.
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	var (
		list []models.CaptureSession
		err  error
	)
	if roomID := c.Query("room_id"); roomID != "" {
		list, err = h.repo.ListByRoom(c.Request.Context(), roomID, limit)
	} else {
		list, err = h.repo.ListRecent(c.Request.Context(), limit)
	}
	if err != nil {
		response.Internal(c, "failed to list sessions")
		return
	}
	if list == nil {
		list = []models.CaptureSession{}
	}
	response.OK(c, gin.H{"sessions": list})
}

// Get handles GET /history/:id.
func (h *Handler) Get(c *gin.Context) {
	cs, ok := h.load(c)
	if !ok {
		return
	}
	response.OK(c, cs)
}

// Backup handles GET /history/:id/backup: a pre-signed URL for the uploaded WAV.
func (h *Handler) Backup(c *gin.Context) {
	if h.presign == nil {
		response.ServiceUnavailable(c, "backup storage not configured")
		return
	}
	cs, ok := h.load(c)
	if !ok {
		return
	}
	if cs.UploadStatus != models.UploadStatusUploaded || cs.S3Key == "" {
		response.NotFound(c, "backup not uploaded")
		return
	}
	expires := h.presign.PresignExpire()
	url, err := h.presign.GeneratePresignedDownloadURL(c.Request.Context(), cs.S3Key, expires)
	if err != nil {
		response.Internal(c, "failed to sign download url")
		return
	}
	response.OK(c, gin.H{"url": url, "expires_in": int(expires.Seconds())})
}

func (h *Handler) load(c *gin.Context) (*models.CaptureSession, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return nil, false
	}
	cs, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load session")
		return nil, false
	}
	if cs == nil {
		response.NotFound(c, "session not found")
		return nil, false
	}
	return cs, true
}
