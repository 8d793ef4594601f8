// Package realtime is the relay sink: producers push a session's audio over
// /ws/ingest and listeners pull it from /ws/listen. Sessions are keyed by the
// session id carried in the producer's metadata handshake.
package realtime

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/audio"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/protocol"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	// DefaultResumeWindow is how long a session survives an abnormal producer
	// disconnect waiting for it to reconnect.
	DefaultResumeWindow = 30 * time.Second

	sendBuffer = 256
)

// Frame is one message fanned out to listeners. Audio frames carry raw PCM;
// other kinds carry the JSON control document.
type Frame struct {
	Kind protocol.Type `json:"kind"`
	Data []byte        `json:"data"`
}

// Recorder persists a session's audio on the sink.
type Recorder interface {
	StartRecording(sessionID string, f audio.Format) (string, error)
	Write(sessionID string, pcm []byte) error
	StopRecording(sessionID string) (string, error)
}

// RedisPublisher publishes frames for cross-instance fan-out.
type RedisPublisher interface {
	PublishFrame(sessionID string, f Frame) error
	StoreMetadata(meta protocol.Metadata) error
}

// RedisSubscriber subscribes to a session's frames published by any instance.
type RedisSubscriber interface {
	SubscribeSession(sessionID string, handler func(Frame)) (cancel func(), err error)
	LoadMetadata(sessionID string) (*protocol.Metadata, error)
}

// EndHandler is called once a session ends, with its final stats.
type EndHandler func(info models.LiveRelay, reason string)

type room struct {
	meta      *protocol.Metadata
	info      models.LiveRelay
	local     bool   // a producer attached to this instance
	producer  string // connection id; empty while detached
	idle      *time.Timer
	listeners map[string]*Listener
}

// Hub maintains session_id -> producer and listeners and fans frames out.
// With Redis configured frames are published only, and each instance's
// subscription delivers them to its local listeners.
type Hub struct {
	rooms    map[string]*room
	subs     map[string]func()
	mu       sync.Mutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
	recorder Recorder
	onEnd    EndHandler

	ResumeWindow time.Duration
}

// NewHub creates a sink hub. redisPub, redisSub and rec may be nil.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber, rec Recorder) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:        make(map[string]*room),
		subs:         make(map[string]func()),
		logger:       logger.Named("hub"),
		redis:        redisPub,
		redisSub:     redisSub,
		recorder:     rec,
		ResumeWindow: DefaultResumeWindow,
	}
}

// SetEndHandler sets the callback run when a session ends.
func (h *Hub) SetEndHandler(fn EndHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEnd = fn
}

// AttachProducer binds producer connection connID to meta.SessionID. A
// producer reconnecting within the resume window continues the same session
// and recording; a newer connection replaces an older one.
func (h *Hub) AttachProducer(connID string, meta protocol.Metadata) {
	id := meta.SessionID
	h.mu.Lock()
	r := h.rooms[id]
	if r == nil {
		r = &room{listeners: make(map[string]*Listener)}
		h.rooms[id] = r
	}
	if r.idle != nil {
		r.idle.Stop()
		r.idle = nil
	}
	if r.producer != "" && r.producer != connID {
		h.logger.Warn("producer replaced", zap.String("session_id", id), zap.String("previous", r.producer))
	}
	resumed := r.local
	r.producer = connID
	r.local = true
	r.meta = &meta
	if !resumed {
		r.info = models.LiveRelay{SessionID: id, ConnectedAt: time.Now()}
	}
	r.info.RoomURL = meta.RoomURL
	r.info.SampleRate = meta.SampleRate
	r.info.Channels = meta.Channels
	h.mu.Unlock()

	if h.recorder != nil {
		path, err := h.recorder.StartRecording(id, formatOf(meta))
		if err != nil {
			h.logger.Error("start recording", zap.String("session_id", id), zap.Error(err))
		} else {
			h.mu.Lock()
			r.info.Recording = path
			h.mu.Unlock()
		}
	}
	if h.redis != nil {
		if err := h.redis.StoreMetadata(meta); err != nil {
			h.logger.Warn("store metadata", zap.String("session_id", id), zap.Error(err))
		}
	}
	data, _ := json.Marshal(meta)
	h.publish(id, Frame{Kind: protocol.TypeMetadata, Data: data})
	h.logger.Info("producer attached",
		zap.String("session_id", id),
		zap.String("room_url", meta.RoomURL),
		zap.Bool("resumed", resumed),
	)
}

// Audio records pcm and forwards it to listeners.
func (h *Hub) Audio(sessionID string, pcm []byte) {
	if h.recorder != nil {
		if err := h.recorder.Write(sessionID, pcm); err != nil {
			h.logger.Warn("record audio", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	h.mu.Lock()
	if r := h.rooms[sessionID]; r != nil {
		r.info.BytesReceived += int64(len(pcm))
	}
	h.mu.Unlock()
	h.publish(sessionID, Frame{Kind: protocol.TypeAudioData, Data: pcm})
}

// EndSession ends a producer's session: listeners get an end notice and the
// recording is finalized. Ending an unknown session is a no-op.
func (h *Hub) EndSession(sessionID, reason string) {
	h.mu.Lock()
	r := h.rooms[sessionID]
	if r == nil || !r.local {
		h.mu.Unlock()
		return
	}
	if r.idle != nil {
		r.idle.Stop()
		r.idle = nil
	}
	info := r.info
	info.Listeners = len(r.listeners)
	r.local = false
	r.producer = ""
	onEnd := h.onEnd
	h.mu.Unlock()

	data, _ := json.Marshal(protocol.End{Type: protocol.TypeEnd, Reason: reason})
	h.publish(sessionID, Frame{Kind: protocol.TypeEnd, Data: data})

	h.mu.Lock()
	if r := h.rooms[sessionID]; r != nil && !r.local {
		r.meta = nil
		if len(r.listeners) == 0 {
			delete(h.rooms, sessionID)
		}
	}
	h.mu.Unlock()

	if h.recorder != nil {
		path, err := h.recorder.StopRecording(sessionID)
		if err != nil {
			h.logger.Error("stop recording", zap.String("session_id", sessionID), zap.Error(err))
		} else {
			info.Recording = path
		}
	}
	h.logger.Info("session ended",
		zap.String("session_id", sessionID),
		zap.String("reason", reason),
		zap.Int64("bytes", info.BytesReceived),
	)
	if onEnd != nil {
		onEnd(info, reason)
	}
}

// DetachProducer records an abnormal producer disconnect. The session ends
// with reason "producer_lost" unless the producer reattaches within the
// resume window.
func (h *Hub) DetachProducer(sessionID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[sessionID]
	if r == nil || r.producer != connID {
		return
	}
	r.producer = ""
	r.idle = time.AfterFunc(h.ResumeWindow, func() { h.expire(sessionID) })
	h.logger.Warn("producer lost; holding session", zap.String("session_id", sessionID), zap.Duration("window", h.ResumeWindow))
}

func (h *Hub) expire(sessionID string) {
	h.mu.Lock()
	r := h.rooms[sessionID]
	if r == nil || r.producer != "" || !r.local {
		h.mu.Unlock()
		return
	}
	r.idle = nil
	h.mu.Unlock()
	h.EndSession(sessionID, "producer_lost")
}

// RegisterListener adds a listener. It receives the session metadata before
// any audio; with Redis the session's subscription starts on the first
// local listener.
func (h *Hub) RegisterListener(l *Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[l.SessionID]
	if r == nil {
		r = &room{listeners: make(map[string]*Listener)}
		h.rooms[l.SessionID] = r
	}
	if len(r.listeners) == 0 && h.redisSub != nil {
		if _, ok := h.subs[l.SessionID]; !ok {
			id := l.SessionID
			cancel, err := h.redisSub.SubscribeSession(id, func(f Frame) { h.deliver(id, f) })
			if err != nil {
				h.logger.Warn("subscribe session", zap.String("session_id", id), zap.Error(err))
			} else {
				h.subs[id] = cancel
			}
		}
	}
	if r.meta == nil && h.redisSub != nil {
		meta, err := h.redisSub.LoadMetadata(l.SessionID)
		if err != nil {
			h.logger.Debug("load metadata", zap.String("session_id", l.SessionID), zap.Error(err))
		}
		r.meta = meta
	}
	r.listeners[l.ID] = l
	if r.meta != nil {
		data, _ := json.Marshal(r.meta)
		select {
		case l.send <- Frame{Kind: protocol.TypeMetadata, Data: data}:
		default:
		}
	}
	h.logger.Debug("listener joined", zap.String("listener_id", l.ID), zap.String("session_id", l.SessionID))
}

// UnregisterListener removes a listener and cancels the Redis subscription
// when the last one leaves.
func (h *Hub) UnregisterListener(l *Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[l.SessionID]
	if !ok {
		return
	}
	delete(r.listeners, l.ID)
	if len(r.listeners) == 0 {
		if cancel, ok := h.subs[l.SessionID]; ok {
			cancel()
			delete(h.subs, l.SessionID)
		}
		if !r.local {
			delete(h.rooms, l.SessionID)
		}
	}
	h.logger.Debug("listener left", zap.String("listener_id", l.ID), zap.String("session_id", l.SessionID))
}

// Live returns the sessions whose producer is attached to this instance,
// oldest first.
func (h *Hub) Live() []models.LiveRelay {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.LiveRelay, 0, len(h.rooms))
	for _, r := range h.rooms {
		if !r.local {
			continue
		}
		info := r.info
		info.Listeners = len(r.listeners)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// ListenerCount returns the number of local listeners of a session.
func (h *Hub) ListenerCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r := h.rooms[sessionID]; r != nil {
		return len(r.listeners)
	}
	return 0
}

// publish sends via Redis only when configured so the subscription delivers
// once per instance, including this one.
func (h *Hub) publish(sessionID string, f Frame) {
	if h.redis != nil {
		err := h.redis.PublishFrame(sessionID, f)
		if err == nil {
			return
		}
		h.logger.Warn("publish frame; delivering locally", zap.String("session_id", sessionID), zap.Error(err))
	}
	h.deliver(sessionID, f)
}

// deliver hands f to local listeners without blocking; a listener whose
// buffer is full misses the frame.
func (h *Hub) deliver(sessionID string, f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[sessionID]
	if r == nil {
		return
	}
	if !r.local {
		switch f.Kind {
		case protocol.TypeMetadata:
			var m protocol.Metadata
			if err := json.Unmarshal(f.Data, &m); err == nil {
				r.meta = &m
			}
		case protocol.TypeEnd:
			r.meta = nil
		}
	}
	for _, l := range r.listeners {
		select {
		case l.send <- f:
		default:
			l.dropped++
		}
	}
}

func formatOf(m protocol.Metadata) audio.Format {
	return audio.Format{
		SampleRate:    m.SampleRate,
		Channels:      m.Channels,
		BitsPerSample: m.BitsPerSample,
		Encoding:      m.Encoding,
	}
}
