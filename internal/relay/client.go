// Package relay streams captured audio to a remote sink over a websocket.
//
// A Client sends the metadata handshake on every new connection before any
// audio, heartbeats while open, and reconnects with a bounded linear backoff
// after an unexpected closure. Once the bound is exhausted the client is
// degraded: Send keeps returning false and the caller carries on with its
// local backup only.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/protocol"
)

// State is the connection state of a Client.
type State string

const (
	StateIdle             State = "idle"
	StateConnecting       State = "connecting"
	StateOpen             State = "open"
	StateClosing          State = "closing"
	StateClosed           State = "closed"
	StateClosedUnexpected State = "closed_unexpected"
	StateDegraded         State = "degraded"
)

// Stats is a snapshot of client counters.
type Stats struct {
	State        State
	Opens        int64
	Sent         int64
	Dropped      int64
	Failures     int
	LastActivity time.Time
}

type outbound struct {
	data []byte
	seq  int64
}

// Client is a reconnecting relay connection. It is safe for concurrent use.
type Client struct {
	cfg    Config
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	queue chan outbound
	stop  chan struct{}

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	writerDone chan struct{}
	readerDone chan struct{}
	attempt    int
	openedAt   time.Time
	lastActive time.Time
	closing    bool

	// gorilla allows one concurrent writer per connection
	writeMu sync.Mutex

	opens   atomic.Int64
	sent    atomic.Int64
	dropped atomic.Int64
	seq     atomic.Int64

	closeOnce sync.Once
}

// New validates cfg and returns an unconnected client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := endpointURL(cfg.Endpoint, cfg.Token)
	if err != nil {
		return nil, &ConnectError{Endpoint: cfg.Endpoint, Err: err}
	}
	cfg.fill()

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		url:    u,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger.Named("relay").With(zap.String("endpoint", cfg.Endpoint)),
		sleep:  sleepCtx,
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan outbound, cfg.SendQueue),
		stop:   make(chan struct{}),
		state:  StateIdle,
	}, nil
}

// Connect opens the connection and sends the metadata handshake. Failed
// dials are retried with backoff; after MaxReconnects retries the client is
// degraded and Connect returns a *ConnectError wrapping ErrDegraded. ctx
// bounds only this call; reconnects after an unexpected closure run until
// Close.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closing:
		c.mu.Unlock()
		return &ConnectError{Endpoint: c.cfg.Endpoint, Err: ErrClosed}
	case c.state == StateOpen:
		c.mu.Unlock()
		return nil
	case c.state == StateDegraded:
		c.mu.Unlock()
		return &ConnectError{Endpoint: c.cfg.Endpoint, Err: ErrDegraded}
	}
	c.mu.Unlock()

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := context.AfterFunc(c.ctx, cancel)
	defer release()

	return c.establish(actx, 0)
}

// URL returns the websocket URL the client dials.
func (c *Client) URL() string { return c.url }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	st := Stats{State: c.state, Failures: c.attempt, LastActivity: c.lastActive}
	c.mu.Unlock()
	st.Opens = c.opens.Load()
	st.Sent = c.sent.Load()
	st.Dropped = c.dropped.Load()
	return st
}

// Send queues one audio chunk without blocking. It returns false when the
// connection is not open. When the queue is full the oldest queued chunk is
// dropped to make room.
func (c *Client) Send(data []byte) bool {
	if c.State() != StateOpen {
		return false
	}
	m := outbound{data: data, seq: c.seq.Add(1)}
	select {
	case c.queue <- m:
		return true
	default:
	}

	select {
	case <-c.queue:
		c.noteDrop()
	default:
	}
	select {
	case c.queue <- m:
		return true
	default:
		c.noteDrop()
		return false
	}
}

func (c *Client) noteDrop() {
	if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
		c.logger.Warn("relay send queue full; dropping oldest chunks", zap.Int64("dropped_total", n))
	}
}

// Close flushes queued audio, sends an end notice and a normal-closure frame
// if the connection is open, and stops any reconnect in progress. It is safe
// to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		conn := c.conn
		writerDone, readerDone := c.writerDone, c.readerDone
		open := c.state == StateOpen
		c.mu.Unlock()

		if open {
			c.setState(StateClosing)
		}
		close(c.stop)

		if conn != nil {
			wait(writerDone, c.cfg.CloseTimeout)
			wait(readerDone, c.cfg.CloseTimeout)
			_ = conn.Close()
		}
		c.cancel()
		c.wg.Wait()

		if c.State() != StateDegraded {
			c.setState(StateClosed)
		}
		st := c.Stats()
		c.logger.Info("relay closed",
			zap.Int64("opens", st.Opens),
			zap.Int64("sent", st.Sent),
			zap.Int64("dropped", st.Dropped),
		)
	})
	return nil
}

func (c *Client) establish(ctx context.Context, attempt int) error {
	var lastErr error
	dials := 0
	for {
		if attempt > 0 {
			if attempt > c.cfg.MaxReconnects {
				c.setState(StateDegraded)
				err := ErrDegraded
				if lastErr != nil {
					err = fmt.Errorf("%w: %w", ErrDegraded, lastErr)
				}
				c.logger.Error("relay degraded; continuing without relay",
					zap.Int("max_reconnects", c.cfg.MaxReconnects),
					zap.Error(lastErr),
				)
				return &ConnectError{Endpoint: c.cfg.Endpoint, Attempts: dials, Err: err}
			}
			delay := Backoff(attempt, c.cfg.ReconnectDelay, c.cfg.MaxReconnectDelay)
			c.setState(StateConnecting)
			c.logger.Info("relay reconnecting",
				zap.Int("attempt", attempt),
				zap.Int("max", c.cfg.MaxReconnects),
				zap.Duration("delay", delay),
			)
			if err := c.sleep(ctx, delay); err != nil {
				c.abandon()
				return &ConnectError{Endpoint: c.cfg.Endpoint, Attempts: dials, Err: err}
			}
		} else {
			c.setState(StateConnecting)
		}

		conn, err := c.dial(ctx)
		dials++
		if err == nil {
			err = c.open(conn, attempt)
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrClosed) {
				return &ConnectError{Endpoint: c.cfg.Endpoint, Attempts: dials, Err: err}
			}
		}
		if ctx.Err() != nil {
			c.abandon()
			return &ConnectError{Endpoint: c.cfg.Endpoint, Attempts: dials, Err: ctx.Err()}
		}
		lastErr = err
		c.logger.Warn("relay connect failed", zap.Int("attempt", attempt), zap.Error(err))
		c.mu.Lock()
		c.attempt = attempt + 1
		c.mu.Unlock()
		attempt++
	}
}

// abandon leaves the connecting state after the caller gave up.
func (c *Client) abandon() {
	c.mu.Lock()
	connecting := c.state == StateConnecting && !c.closing
	c.mu.Unlock()
	if connecting {
		c.setState(StateClosed)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

// open sends the handshake on conn and starts its pumps. Nothing else can
// write to conn before the handshake because the writer starts afterwards.
func (c *Client) open(conn *websocket.Conn, attempt int) error {
	f := c.cfg.Format
	meta := protocol.Metadata{
		Type:          protocol.TypeMetadata,
		SampleRate:    f.SampleRate,
		Channels:      f.Channels,
		BitsPerSample: f.BitsPerSample,
		Encoding:      f.Encoding,
		SessionID:     c.cfg.SessionID,
		RoomURL:       c.cfg.RoomURL,
	}
	if err := c.writeJSON(conn, meta); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send metadata: %w", err)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout))
		_ = conn.Close()
		return ErrClosed
	}
	now := time.Now()
	writerDone, readerDone := make(chan struct{}), make(chan struct{})
	c.conn = conn
	c.writerDone, c.readerDone = writerDone, readerDone
	c.attempt = attempt
	c.openedAt, c.lastActive = now, now
	c.mu.Unlock()

	opens := c.opens.Add(1)
	c.setState(StateOpen)
	c.logger.Info("relay connected", zap.Int64("opens", opens), zap.Int("attempt", attempt))

	c.wg.Add(2)
	go c.writePump(conn, writerDone, readerDone)
	go c.readPump(conn, writerDone, readerDone)
	return nil
}

func (c *Client) writePump(conn *websocket.Conn, done chan struct{}, readerDone <-chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readerDone:
			return
		case <-c.stop:
			c.finish(conn)
			return
		case m := <-c.queue:
			if err := c.writeAudio(conn, m); err != nil {
				c.logger.Warn("relay write failed", zap.Int64("seq", m.seq), zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.writeJSON(conn, protocol.NewHeartbeat(time.Now())); err != nil {
				c.logger.Warn("relay heartbeat failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

// finish drains the queue, then sends the end notice and a normal closure.
func (c *Client) finish(conn *websocket.Conn) {
flush:
	for {
		select {
		case m := <-c.queue:
			if err := c.writeAudio(conn, m); err != nil {
				c.logger.Warn("relay flush failed", zap.Error(err))
				return
			}
		default:
			break flush
		}
	}
	end := protocol.End{Type: protocol.TypeEnd, Reason: "capture_stopped", Chunks: c.sent.Load()}
	if err := c.writeJSON(conn, end); err != nil {
		c.logger.Warn("relay end notice failed", zap.Error(err))
	}
	c.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout))
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Debug("relay close frame failed", zap.Error(err))
	}
}

func (c *Client) readPump(conn *websocket.Conn, writerDone <-chan struct{}, readerDone chan struct{}) {
	defer c.wg.Done()

	var err error
	for {
		var mt int
		var data []byte
		mt, data, err = conn.ReadMessage()
		if err != nil {
			break
		}
		c.touch()

		msg, derr := protocol.Decode(mt, data)
		if derr != nil {
			c.logger.Debug("ignoring relay message", zap.Error(derr))
			continue
		}
		switch msg.Type {
		case protocol.TypeHeartbeat:
			ack := protocol.Heartbeat{Type: protocol.TypeHeartbeatAck, Timestamp: msg.Heartbeat.Timestamp}
			if werr := c.writeJSON(conn, ack); werr != nil {
				c.logger.Debug("heartbeat ack failed", zap.Error(werr))
			}
		case protocol.TypeEnd:
			c.logger.Info("sink ended stream", zap.String("reason", msg.End.Reason))
		}
	}

	close(readerDone)
	<-writerDone
	_ = conn.Close()

	c.mu.Lock()
	closing := c.closing
	attempt := c.attempt
	uptime := time.Since(c.openedAt)
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	if closing {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.setState(StateClosed)
		c.logger.Info("relay closed by sink")
		return
	}

	c.setState(StateClosedUnexpected)
	c.logger.Warn("relay connection lost", zap.Duration("uptime", uptime), zap.Error(err))

	next := attempt + 1
	if uptime >= c.cfg.StableAfter {
		next = 1
	}
	if rerr := c.establish(c.ctx, next); rerr != nil && !errors.Is(rerr, ErrDegraded) {
		c.logger.Debug("relay reconnect stopped", zap.Error(rerr))
	}
}

func (c *Client) writeAudio(conn *websocket.Conn, m outbound) error {
	var err error
	if c.cfg.Base64Audio {
		err = c.writeJSON(conn, protocol.NewAudioData(m.data, m.seq))
	} else {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		err = conn.WriteMessage(websocket.BinaryMessage, m.data)
		c.writeMu.Unlock()
	}
	if err == nil {
		c.sent.Add(1)
	}
	return err
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == StateDegraded {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func wait(ch <-chan struct{}, timeout time.Duration) {
	if ch == nil {
		return
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
	case <-t.C:
	}
}
