package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/queue"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/storage"
)

// SessionStore is the slice of the capture session repository the worker needs.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.CaptureSession, error)
	MarkUploaded(ctx context.Context, id uuid.UUID, key string) error
	SetUploadStatus(ctx context.Context, id uuid.UUID, status string) error
}

// Uploader stores backup files.
type Uploader interface {
	Exists(ctx context.Context, key string) (bool, error)
	UploadFile(ctx context.Context, key, localPath, contentType string) (string, int64, error)
}

// JobSource yields jobs and takes failed ones back.
type JobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// BackupProcessor processes backup upload jobs: local WAV -> S3, then marks the session uploaded.
type BackupProcessor struct {
	sessions    SessionStore
	s3          Uploader
	queue       JobSource
	deleteLocal bool
	backoff     time.Duration
	logger      *zap.Logger
}

// NewBackupProcessor creates a backup upload processor. sessions may be nil
// when no database is configured.
func NewBackupProcessor(sessions SessionStore, s3 Uploader, q JobSource, deleteLocal bool, logger *zap.Logger) *BackupProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackupProcessor{
		sessions:    sessions,
		s3:          s3,
		queue:       q,
		deleteLocal: deleteLocal,
		backoff:     queue.RetryBackoff,
		logger:      logger.Named("worker"),
	}
}

// Process executes one backup upload job.
func (p *BackupProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeBackupUpload {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.BackupUploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	log := p.logger.With(zap.String("session_id", payload.SessionID.String()), zap.String("job_id", job.ID))

	if p.sessions != nil {
		cs, err := p.sessions.GetByID(ctx, payload.SessionID)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if cs != nil && cs.UploadStatus == models.UploadStatusUploaded {
			log.Info("backup already uploaded", zap.String("s3_key", cs.S3Key))
			return nil
		}
	}

	if _, err := os.Stat(payload.LocalPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// nothing to retry
			log.Error("backup file missing", zap.String("path", payload.LocalPath))
			p.setStatus(ctx, payload.SessionID, models.UploadStatusFailed)
			return nil
		}
		return fmt.Errorf("stat backup: %w", err)
	}

	key := storage.BackupKey(payload.RoomID, payload.SessionID.String())
	exists, err := p.s3.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		url, size, err := p.s3.UploadFile(ctx, key, payload.LocalPath, storage.ContentTypeWAV)
		if err != nil {
			return fmt.Errorf("s3 upload: %w", err)
		}
		log.Info("backup uploaded", zap.String("s3_key", key), zap.String("url", url), zap.Int64("bytes", size))
	} else {
		log.Info("backup already in bucket", zap.String("s3_key", key))
	}

	if p.sessions != nil {
		if err := p.sessions.MarkUploaded(ctx, payload.SessionID, key); err != nil {
			return fmt.Errorf("update db: %w", err)
		}
	}
	if p.deleteLocal {
		if err := os.Remove(payload.LocalPath); err != nil {
			log.Warn("remove local backup failed", zap.Error(err))
		}
	}
	return nil
}

func (p *BackupProcessor) setStatus(ctx context.Context, id uuid.UUID, status string) {
	if p.sessions == nil {
		return
	}
	if err := p.sessions.SetUploadStatus(ctx, id, status); err != nil {
		p.logger.Warn("update upload status failed", zap.String("session_id", id.String()), zap.Error(err))
	}
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *BackupProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("backup worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *BackupProcessor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.backoff):
	}
}
