package sessionlog

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
)

// Repository handles capture_sessions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a capture session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectColumns = `id, room_id, room_url, capture_mode, state, started_at, ended_at, backup_path, upload_status,
	s3_key, last_error, relay_degraded, chunks_captured, chunks_relayed, chunks_dropped, created_at, updated_at`

// Save upserts the current snapshot of a session.
func (r *Repository) Save(ctx context.Context, s models.SessionSnapshot) error {
	const q = `INSERT INTO capture_sessions (id, room_id, room_url, capture_mode, state, started_at, ended_at, backup_path,
			last_error, relay_degraded, chunks_captured, chunks_relayed, chunks_dropped)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			capture_mode = EXCLUDED.capture_mode,
			state = EXCLUDED.state,
			ended_at = EXCLUDED.ended_at,
			backup_path = EXCLUDED.backup_path,
			last_error = EXCLUDED.last_error,
			relay_degraded = EXCLUDED.relay_degraded,
			chunks_captured = EXCLUDED.chunks_captured,
			chunks_relayed = EXCLUDED.chunks_relayed,
			chunks_dropped = EXCLUDED.chunks_dropped,
			updated_at = NOW()`
	_, err := r.pool.Exec(ctx, q,
		s.ID, s.RoomID, s.RoomURL, s.CaptureMode, string(s.State), s.StartedAt, s.EndedAt, s.BackupPath,
		s.LastError, s.RelayDegraded, s.ChunksCaptured, s.ChunksRelayed, s.ChunksDropped)
	return err
}

// GetByID returns a session row, or nil when it does not exist.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.CaptureSession, error) {
	q := `SELECT ` + selectColumns + ` FROM capture_sessions WHERE id = $1`
	cs, err := scanSession(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return cs, nil
}

// ListByRoom returns sessions for a room, newest first.
func (r *Repository) ListByRoom(ctx context.Context, roomID string, limit int) ([]models.CaptureSession, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT ` + selectColumns + ` FROM capture_sessions WHERE room_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.CaptureSession
	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *cs)
	}
	return list, rows.Err()
}

// ListRecent returns the latest sessions across rooms.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]models.CaptureSession, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT ` + selectColumns + ` FROM capture_sessions ORDER BY started_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.CaptureSession
	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *cs)
	}
	return list, rows.Err()
}

// MarkUploaded records the S3 key of an uploaded backup.
func (r *Repository) MarkUploaded(ctx context.Context, id uuid.UUID, key string) error {
	const q = `UPDATE capture_sessions SET upload_status = $1, s3_key = $2, updated_at = NOW() WHERE id = $3`
	_, err := r.pool.Exec(ctx, q, models.UploadStatusUploaded, key, id)
	return err
}

// SetUploadStatus updates upload_status only.
func (r *Repository) SetUploadStatus(ctx context.Context, id uuid.UUID, status string) error {
	const q = `UPDATE capture_sessions SET upload_status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, status, id)
	return err
}

func scanSession(row pgx.Row) (*models.CaptureSession, error) {
	var cs models.CaptureSession
	err := row.Scan(&cs.ID, &cs.RoomID, &cs.RoomURL, &cs.CaptureMode, &cs.State, &cs.StartedAt, &cs.EndedAt,
		&cs.BackupPath, &cs.UploadStatus, &cs.S3Key, &cs.LastError, &cs.RelayDegraded,
		&cs.ChunksCaptured, &cs.ChunksRelayed, &cs.ChunksDropped, &cs.CreatedAt, &cs.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &cs, nil
}
