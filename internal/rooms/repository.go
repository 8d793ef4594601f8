package rooms

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
)

// Repository handles room snapshots across discovery polls.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a rooms repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const roomColumns = `id, url, title, host, status, listeners, peak_listeners, first_seen_at, last_seen_at, times_captured`

// Upsert records a sighting of room. peak_listeners only ever grows.
func (r *Repository) Upsert(ctx context.Context, room models.Room) error {
	const q = `INSERT INTO rooms (id, url, title, host, status, listeners, peak_listeners, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			title = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE rooms.title END,
			host = CASE WHEN EXCLUDED.host <> '' THEN EXCLUDED.host ELSE rooms.host END,
			status = EXCLUDED.status,
			listeners = EXCLUDED.listeners,
			peak_listeners = GREATEST(rooms.peak_listeners, EXCLUDED.listeners),
			last_seen_at = EXCLUDED.last_seen_at`
	_, err := r.pool.Exec(ctx, q, room.ID, room.URL, room.Title, room.Host, room.Status, room.Listeners, seenAt(room))
	return err
}

// UpsertAll records every room of one poll in a single batch.
func (r *Repository) UpsertAll(ctx context.Context, list []models.Room) error {
	if len(list) == 0 {
		return nil
	}
	const q = `INSERT INTO rooms (id, url, title, host, status, listeners, peak_listeners, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			status = EXCLUDED.status,
			listeners = EXCLUDED.listeners,
			peak_listeners = GREATEST(rooms.peak_listeners, EXCLUDED.listeners),
			last_seen_at = EXCLUDED.last_seen_at`
	batch := &pgx.Batch{}
	for _, room := range list {
		batch.Queue(q, room.ID, room.URL, room.Title, room.Host, room.Status, room.Listeners, seenAt(room))
	}
	return r.pool.SendBatch(ctx, batch).Close()
}

// MarkCaptured increments times_captured when a session targets the room.
func (r *Repository) MarkCaptured(ctx context.Context, id string) error {
	const q = `UPDATE rooms SET times_captured = times_captured + 1 WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// GetByID returns a room snapshot, or nil when unknown.
func (r *Repository) GetByID(ctx context.Context, id string) (*models.RoomSnapshot, error) {
	q := `SELECT ` + roomColumns + ` FROM rooms WHERE id = $1`
	var s models.RoomSnapshot
	err := r.pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.URL, &s.Title, &s.Host, &s.Status, &s.Listeners,
		&s.PeakListeners, &s.FirstSeenAt, &s.LastSeenAt, &s.TimesCaptured)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ListTop returns rooms seen recently ordered by peak listeners.
func (r *Repository) ListTop(ctx context.Context, limit int) ([]models.RoomSnapshot, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	q := `SELECT ` + roomColumns + ` FROM rooms WHERE last_seen_at > NOW() - INTERVAL '1 day'
		ORDER BY peak_listeners DESC, last_seen_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.RoomSnapshot{}
	for rows.Next() {
		var s models.RoomSnapshot
		if err := rows.Scan(&s.ID, &s.URL, &s.Title, &s.Host, &s.Status, &s.Listeners,
			&s.PeakListeners, &s.FirstSeenAt, &s.LastSeenAt, &s.TimesCaptured); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func seenAt(room models.Room) time.Time {
	if room.DiscoveredAt.IsZero() {
		return time.Now().UTC()
	}
	return room.DiscoveredAt
}
