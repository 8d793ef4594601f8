package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/audio"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
)

// Options configures Start.
type Options struct {
	Format     audio.Format
	BackupPath string

	// Verify reports whether media is discoverable; nil skips verification.
	Verify func(ctx context.Context) bool
	// Nudge is an interaction attempt made between verification retries.
	Nudge           func(ctx context.Context) bool
	MaxRetries      int
	RetryDelay      time.Duration
	AllowUnverified bool

	QueueDepth int
	// Session, when set, receives captured/dropped counters.
	Session *models.Session
	Logger  *zap.Logger
}

// Handle controls a running capture.
type Handle struct {
	mode   string
	path   string
	wav    *audio.WAVWriter
	queue  *ring
	sess   *models.Session
	logger *zap.Logger
	cancel context.CancelFunc

	cbMu      sync.RWMutex
	callbacks []func(Chunk) error

	seq       atomic.Int64
	delivered atomic.Int64
	cbErrors  atomic.Int64
	wavErr    error

	prodDone chan struct{}
	dispDone chan struct{}
	err      error

	stopOnce sync.Once
	stopErr  error
}

// Start verifies that media is discoverable, opens the backup file and
// starts production. Production runs until Stop, independent of ctx, which
// only bounds verification.
func Start(ctx context.Context, src Source, opts Options) (*Handle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("capture").With(zap.String("mode", src.Mode()))
	if opts.Format.SampleRate == 0 {
		opts.Format = audio.Canonical
	}
	if opts.BackupPath == "" {
		return nil, &CaptureError{Mode: src.Mode(), Err: errors.New("backup path is required")}
	}

	if opts.Verify != nil {
		if err := verifyMedia(ctx, src.Mode(), opts, logger); err != nil {
			return nil, err
		}
	}

	wav, err := audio.CreateWAV(opts.BackupPath, opts.Format)
	if err != nil {
		return nil, &CaptureError{Mode: src.Mode(), Err: err}
	}

	prodCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		mode:     src.Mode(),
		path:     opts.BackupPath,
		wav:      wav,
		queue:    newRing(opts.QueueDepth),
		sess:     opts.Session,
		logger:   logger,
		cancel:   cancel,
		prodDone: make(chan struct{}),
		dispDone: make(chan struct{}),
	}
	go h.dispatch()
	go h.produce(prodCtx, src)

	logger.Info("capture started",
		zap.String("backup", opts.BackupPath),
		zap.Stringer("format", opts.Format),
	)
	return h, nil
}

func verifyMedia(ctx context.Context, mode string, opts Options, logger *zap.Logger) error {
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	for attempt := 1; attempt <= retries; attempt++ {
		if opts.Verify(ctx) {
			logger.Info("media discovered", zap.Int("attempt", attempt))
			return nil
		}
		if ctx.Err() != nil {
			return &CaptureError{Mode: mode, Attempts: attempt, Err: ctx.Err()}
		}
		logger.Warn("no media discovered yet", zap.Int("attempt", attempt), zap.Int("max", retries))
		if attempt == retries {
			break
		}
		if opts.Nudge != nil {
			opts.Nudge(ctx)
		}
		select {
		case <-ctx.Done():
			return &CaptureError{Mode: mode, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	if opts.AllowUnverified {
		logger.Warn("continuing without audio verification", zap.Int("attempts", retries))
		return nil
	}
	return &CaptureError{Mode: mode, Attempts: retries, Err: ErrNoMedia}
}

// Mode returns the source mode.
func (h *Handle) Mode() string { return h.mode }

// Path returns the backup file path.
func (h *Handle) Path() string { return h.path }

// OnChunk registers cb for every subsequent chunk. Errors and panics from cb
// are logged; production continues.
func (h *Handle) OnChunk(cb func(Chunk) error) {
	h.cbMu.Lock()
	h.callbacks = append(h.callbacks, cb)
	h.cbMu.Unlock()
}

// Done is closed when production ends, whether by Stop or on its own.
func (h *Handle) Done() <-chan struct{} { return h.prodDone }

// Err returns why production ended on its own, or nil.
func (h *Handle) Err() error {
	select {
	case <-h.prodDone:
		return h.err
	default:
		return nil
	}
}

// Stats is a snapshot of capture counters.
type Stats struct {
	Produced       int64
	Delivered      int64
	Dropped        int64
	CallbackErrors int64
	BackupBytes    int64
}

func (h *Handle) Stats() Stats {
	return Stats{
		Produced:       h.seq.Load(),
		Delivered:      h.delivered.Load(),
		Dropped:        h.queue.droppedCount(),
		CallbackErrors: h.cbErrors.Load(),
		BackupBytes:    h.wav.DataBytes(),
	}
}

// Stop halts production, delivers what is still queued, finalizes the
// backup and returns its path. Further calls return the same result.
func (h *Handle) Stop() (string, error) {
	h.stopOnce.Do(func() {
		h.cancel()
		<-h.prodDone
		h.queue.close()
		<-h.dispDone

		var errs []error
		if h.wavErr != nil {
			errs = append(errs, fmt.Errorf("write backup: %w", h.wavErr))
		}
		if err := h.wav.Close(); err != nil {
			errs = append(errs, fmt.Errorf("finalize backup: %w", err))
		}
		h.stopErr = errors.Join(errs...)

		st := h.Stats()
		h.logger.Info("capture stopped",
			zap.String("backup", h.path),
			zap.Int64("chunks", st.Produced),
			zap.Int64("dropped", st.Dropped),
			zap.Int64("bytes", st.BackupBytes),
		)
	})
	return h.path, h.stopErr
}

func (h *Handle) produce(ctx context.Context, src Source) {
	defer close(h.prodDone)
	err := src.Stream(ctx, h.emit)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = ErrSourceEnded
	}
	h.err = err
	h.logger.Warn("audio source ended", zap.Error(err))
}

func (h *Handle) emit(data []byte) {
	c := Chunk{Data: data, Seq: h.seq.Add(1), At: time.Now()}
	accepted, dropped := h.queue.push(c)
	if !accepted {
		return
	}
	if h.sess != nil {
		h.sess.AddCaptured(1)
		if dropped {
			h.sess.AddDropped(1)
		}
	}
	if dropped {
		if n := h.queue.droppedCount(); n == 1 || n%100 == 0 {
			h.logger.Warn("capture backlog full; dropping oldest chunks", zap.Int64("dropped_total", n))
		}
	}
}

func (h *Handle) dispatch() {
	defer close(h.dispDone)
	for range h.queue.notify {
		batch, closed := h.queue.drain()
		for _, c := range batch {
			h.deliver(c)
		}
		if closed {
			// a final drain catches anything pushed between the two reads
			rest, _ := h.queue.drain()
			for _, c := range rest {
				h.deliver(c)
			}
			return
		}
	}
}

func (h *Handle) deliver(c Chunk) {
	if _, err := h.wav.Write(c.Data); err != nil && h.wavErr == nil {
		h.wavErr = err
		h.logger.Error("backup write failed", zap.Error(err))
	}

	h.cbMu.RLock()
	cbs := h.callbacks
	h.cbMu.RUnlock()
	for i, cb := range cbs {
		if err := h.safeCall(cb, c); err != nil {
			if n := h.cbErrors.Add(1); n <= 10 || n%100 == 0 {
				h.logger.Warn("chunk callback failed",
					zap.Int("callback", i),
					zap.Int64("seq", c.Seq),
					zap.Int64("errors_total", n),
					zap.Error(err),
				)
			}
		}
	}
	h.delivered.Add(1)
}

func (h *Handle) safeCall(cb func(Chunk) error, c Chunk) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return cb(c)
}
