// Package session runs one capture session end to end: resolve the room, log
// in, join, capture, relay, and tear everything down in a fixed order.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/config"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/browser"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/capture"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/driver"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/relay"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/queue"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/roomurl"
)

// Driver is the browser side of a session; *driver.Driver satisfies it.
type Driver interface {
	Authenticate(ctx context.Context, sess *models.Session, creds driver.Credentials) error
	JoinRoom(ctx context.Context, sess *models.Session, roomURL string) (*driver.ActiveRoom, error)
	CheckAudioPlaying(ctx context.Context) bool
	Replay(ctx context.Context) bool
	Page() browser.Page
	Close() error
}

// Capture is a running audio capture; *capture.Handle satisfies it.
type Capture interface {
	OnChunk(cb func(capture.Chunk) error)
	Done() <-chan struct{}
	Err() error
	Stats() capture.Stats
	Stop() (string, error)
}

// Relay is the streaming connection; *relay.Client satisfies it.
type Relay interface {
	Connect(ctx context.Context) error
	Send(data []byte) bool
	Stats() relay.Stats
	Close() error
}

// Infra provisions and releases whatever the session ran on (a remote
// machine, a container). The default does nothing.
type Infra interface {
	Release(ctx context.Context) error
}

// NoInfra is the Infra used when the agent runs on the local machine.
type NoInfra struct{}

func (NoInfra) Release(context.Context) error { return nil }

// SessionStore persists session snapshots.
type SessionStore interface {
	Save(ctx context.Context, s models.SessionSnapshot) error
}

// RoomStore records which rooms were captured.
type RoomStore interface {
	Upsert(ctx context.Context, room models.Room) error
	MarkCaptured(ctx context.Context, id string) error
}

// BackupQueue accepts backup upload jobs.
type BackupQueue interface {
	EnqueueBackupUpload(ctx context.Context, payload queue.BackupUploadPayload) error
}

// Deps are the factories and stores a Runner uses. OpenDriver, StartCapture
// and NewRelay are required; the rest are optional.
type Deps struct {
	OpenDriver   func(ctx context.Context) (Driver, error)
	StartCapture func(ctx context.Context, sess *models.Session, drv Driver, backupPath string) (Capture, error)
	NewRelay     func(sess *models.Session) (Relay, error)
	// Discover picks a room when no URL is configured.
	Discover func(ctx context.Context) (models.Room, error)

	Sessions SessionStore
	Rooms    RoomStore
	Backups  BackupQueue
	Infra    Infra
}

const defaultTeardownTimeout = 30 * time.Second

// Runner drives a single session.
type Runner struct {
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger

	// TeardownTimeout bounds each teardown step's context.
	TeardownTimeout time.Duration

	mu   sync.Mutex
	sess *models.Session
}

// NewRunner creates a session runner.
func NewRunner(cfg *config.Config, deps Deps, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Infra == nil {
		deps.Infra = NoInfra{}
	}
	return &Runner{
		cfg:             cfg,
		deps:            deps,
		logger:          logger.Named("session"),
		TeardownTimeout: defaultTeardownTimeout,
	}
}

// Session returns the current session, or nil before Run created it.
func (r *Runner) Session() *models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess
}

// resources holds what teardown must release; nil fields were never acquired.
type resources struct {
	capture Capture
	relay   Relay
	driver  Driver
}

// Run executes the session until ctx is cancelled, the capture ends, or the
// maximum duration elapses. Cancellation is a clean shutdown and returns nil.
// Fatal errors move the session through failed and teardown to closed and
// are returned.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.cfg.ValidateCapture(); err != nil {
		return err
	}
	room, err := r.resolveRoom(ctx)
	if err != nil {
		return err
	}

	sess := models.NewSession(room.URL, room.ID, r.cfg.Credentials.Source, r.cfg.Relay.Endpoint, r.cfg.Capture.Mode)
	r.mu.Lock()
	r.sess = sess
	r.mu.Unlock()
	log := r.logger.With(zap.String("session_id", sess.ID.String()), zap.String("room_id", sess.RoomID))
	log.Info("session created", zap.String("room_url", sess.RoomURL), zap.String("credentials", r.cfg.Credentials.String()))
	r.persist(ctx, sess, log)

	res := &resources{}
	runErr := r.run(ctx, sess, res, log)
	if runErr != nil && ctx.Err() != nil {
		log.Info("interrupted", zap.Error(runErr))
		runErr = nil
	}
	if runErr != nil {
		sess.Fail(runErr)
		log.Error("session failed", zap.String("state", string(sess.State())), zap.Error(runErr))
	}

	if err := sess.Transition(models.StateTeardown); err != nil {
		log.Warn("teardown transition", zap.Error(err))
	}
	if err := r.teardown(sess, res, log); err != nil {
		log.Warn("teardown finished with errors", zap.Error(err))
	}
	if err := sess.Transition(models.StateClosed); err != nil {
		log.Warn("close transition", zap.Error(err))
	}

	final := context.WithoutCancel(ctx)
	r.enqueueBackup(final, sess, log)
	r.persist(final, sess, log)

	snap := sess.Snapshot()
	log.Info("session closed",
		zap.String("backup", snap.BackupPath),
		zap.Int64("chunks_captured", snap.ChunksCaptured),
		zap.Int64("chunks_relayed", snap.ChunksRelayed),
		zap.Int64("chunks_dropped", snap.ChunksDropped),
		zap.Bool("relay_degraded", snap.RelayDegraded),
	)
	return runErr
}

func (r *Runner) resolveRoom(ctx context.Context) (models.Room, error) {
	if u := r.cfg.Session.RoomURL; u != "" {
		norm, err := roomurl.Normalize(u)
		if err != nil {
			return models.Room{}, &config.ConfigError{Field: "SPACE_URL", Reason: err.Error()}
		}
		room := models.Room{ID: roomurl.RoomID(norm), URL: norm, Status: models.RoomStatusUnknown, DiscoveredAt: time.Now().UTC()}
		r.recordRoom(ctx, room)
		return room, nil
	}
	if r.deps.Discover == nil {
		return models.Room{}, &config.ConfigError{Field: "SPACE_URL", Reason: "required when discovery is unavailable"}
	}
	room, err := r.deps.Discover(ctx)
	if err != nil {
		return models.Room{}, fmt.Errorf("discover room: %w", err)
	}
	r.logger.Info("discovered most popular room",
		zap.String("room_id", room.ID),
		zap.String("title", room.Title),
		zap.Int("listeners", room.Listeners),
	)
	r.recordRoom(ctx, room)
	return room, nil
}

func (r *Runner) recordRoom(ctx context.Context, room models.Room) {
	if r.deps.Rooms == nil {
		return
	}
	if err := r.deps.Rooms.Upsert(ctx, room); err != nil {
		r.logger.Warn("room snapshot failed", zap.String("room_id", room.ID), zap.Error(err))
		return
	}
	if err := r.deps.Rooms.MarkCaptured(ctx, room.ID); err != nil {
		r.logger.Warn("mark room captured failed", zap.String("room_id", room.ID), zap.Error(err))
	}
}

func (r *Runner) run(ctx context.Context, sess *models.Session, res *resources, log *zap.Logger) error {
	drv, err := r.deps.OpenDriver(ctx)
	if err != nil {
		return fmt.Errorf("open browser: %w", err)
	}
	res.driver = drv

	creds := driver.Credentials{
		Username:     r.cfg.Credentials.Username,
		Password:     r.cfg.Credentials.Password,
		Verification: r.cfg.Credentials.Verification,
	}
	if err := drv.Authenticate(ctx, sess, creds); err != nil {
		return err
	}
	r.persist(ctx, sess, log)

	if _, err := drv.JoinRoom(ctx, sess, sess.RoomURL); err != nil {
		return err
	}
	r.persist(ctx, sess, log)

	path := BackupPath(r.cfg.Session.OutputDir, sess)
	capt, err := r.deps.StartCapture(ctx, sess, drv, path)
	if err != nil {
		return err
	}
	res.capture = capt
	sess.SetBackupPath(path)
	if err := sess.Transition(models.StateCapturing); err != nil {
		return err
	}
	log.Info("capture started", zap.String("backup", path))

	if r.connectRelay(ctx, sess, res, log) {
		rl := res.relay
		capt.OnChunk(func(c capture.Chunk) error {
			if !rl.Send(c.Data) {
				return errRelayUnavailable
			}
			sess.AddRelayed(1)
			return nil
		})
	}
	r.persist(ctx, sess, log)

	return r.wait(ctx, sess, capt, log)
}

var errRelayUnavailable = errors.New("relay not accepting audio")

// connectRelay opens the relay and reports whether audio should be sent to
// it. Failure is not fatal: the session continues with the local backup only.
func (r *Runner) connectRelay(ctx context.Context, sess *models.Session, res *resources, log *zap.Logger) bool {
	rl, err := r.deps.NewRelay(sess)
	if err != nil {
		sess.SetRelayDegraded(true)
		log.Warn("relay unavailable; continuing local-only", zap.Error(err))
		return false
	}
	res.relay = rl
	if err := rl.Connect(ctx); err != nil {
		sess.SetRelayDegraded(true)
		log.Warn("relay connect failed; continuing local-only", zap.Error(err))
		return false
	}
	if err := sess.Transition(models.StateRelaying); err != nil {
		log.Warn("relaying transition", zap.Error(err))
	}
	log.Info("relaying audio", zap.String("endpoint", sess.Endpoint))
	return true
}

func (r *Runner) wait(ctx context.Context, sess *models.Session, capt Capture, log *zap.Logger) error {
	var deadline <-chan time.Time
	if d := r.cfg.Session.MaxDuration; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		deadline = t.C
	}
	interval := r.cfg.Session.ProgressInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown requested")
			return nil
		case <-deadline:
			log.Info("maximum session duration reached", zap.Duration("max", r.cfg.Session.MaxDuration))
			return nil
		case <-capt.Done():
			if err := capt.Err(); err != nil {
				return fmt.Errorf("capture ended: %w", err)
			}
			log.Info("capture ended")
			return nil
		case <-ticker.C:
			snap := sess.Snapshot()
			st := capt.Stats()
			log.Info("recording in progress",
				zap.Duration("elapsed", time.Since(snap.StartedAt).Round(time.Second)),
				zap.Int64("chunks_captured", snap.ChunksCaptured),
				zap.Int64("chunks_relayed", snap.ChunksRelayed),
				zap.Int64("chunks_dropped", snap.ChunksDropped),
				zap.Int64("backup_bytes", st.BackupBytes),
				zap.Bool("relay_degraded", snap.RelayDegraded),
			)
			r.persist(ctx, sess, log)
		}
	}
}

func (r *Runner) enqueueBackup(ctx context.Context, sess *models.Session, log *zap.Logger) {
	snap := sess.Snapshot()
	if r.deps.Backups == nil || snap.BackupPath == "" || snap.ChunksCaptured == 0 {
		return
	}
	err := r.deps.Backups.EnqueueBackupUpload(ctx, queue.BackupUploadPayload{
		SessionID: snap.ID,
		RoomID:    snap.RoomID,
		LocalPath: snap.BackupPath,
	})
	if err != nil {
		log.Warn("enqueue backup upload failed", zap.Error(err))
		return
	}
	log.Info("backup upload queued", zap.String("path", snap.BackupPath))
}

func (r *Runner) persist(ctx context.Context, sess *models.Session, log *zap.Logger) {
	if r.deps.Sessions == nil {
		return
	}
	if err := r.deps.Sessions.Save(ctx, sess.Snapshot()); err != nil {
		log.Warn("persist session failed", zap.Error(err))
	}
}

// BackupPath names the local WAV backup after the room and session start time.
func BackupPath(dir string, sess *models.Session) string {
	room := sess.RoomID
	if room == "" {
		room = "room"
	}
	start := sess.Snapshot().StartedAt.UTC().Format("20060102T150405Z")
	return filepath.Join(dir, fmt.Sprintf("space-%s-%s.wav", room, start))
}
