package models

import (
	"time"

	"github.com/google/uuid"
)

// UploadStatus values for a session backup.
const (
	UploadStatusPending  = "pending"
	UploadStatusUploaded = "uploaded"
	UploadStatusFailed   = "failed"
	UploadStatusSkipped  = "skipped"
)

// CaptureSession is the persisted row for one capture run.
type CaptureSession struct {
	ID             uuid.UUID  `json:"id"`
	RoomID         string     `json:"room_id"`
	RoomURL        string     `json:"room_url"`
	CaptureMode    string     `json:"capture_mode"`
	State          string     `json:"state"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	BackupPath     string     `json:"backup_path,omitempty"`
	UploadStatus   string     `json:"upload_status"`
	S3Key          string     `json:"s3_key,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	RelayDegraded  bool       `json:"relay_degraded"`
	ChunksCaptured int64      `json:"chunks_captured"`
	ChunksRelayed  int64      `json:"chunks_relayed"`
	ChunksDropped  int64      `json:"chunks_dropped"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// LiveRelay describes a producer currently connected to the sink.
type LiveRelay struct {
	SessionID     string    `json:"session_id"`
	RoomURL       string    `json:"room_url,omitempty"`
	SampleRate    int       `json:"sample_rate"`
	Channels      int       `json:"channels"`
	ConnectedAt   time.Time `json:"connected_at"`
	BytesReceived int64     `json:"bytes_received"`
	Listeners     int       `json:"listeners"`
	Recording     string    `json:"recording,omitempty"`
}
