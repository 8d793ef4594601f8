package realtime

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/middleware"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/protocol"
)

const (
	// HandshakeWait is how long a producer has to send its metadata.
	HandshakeWait = 10 * time.Second
	writeWait     = 10 * time.Second
	maxFrameSize  = 1 << 20
)

var (
	errNoMetadata  = errors.New("metadata required before audio")
	errBadMetadata = errors.New("unsupported audio format")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // producers and listeners are not browsers; tokens gate access
	},
}

// Authorizer checks a relay token for a session. A nil Authorizer admits everyone.
type Authorizer func(token, sessionID string) error

type producerConn struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *producerConn) writeJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(v)
}

func (p *producerConn) closeWith(code int, text string) {
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	_ = p.conn.Close()
}

// ServeIngest handles producer connections. The first message must be the
// metadata handshake; audio follows as binary frames or audio_data messages.
// An end message or a normal closure ends the session; any other loss holds
// it for the hub's resume window.
func ServeIngest(hub *Hub, authorize Authorizer, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("ingest")
	return func(c *gin.Context) {
		token := middleware.BearerToken(c)
		if authorize != nil && token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		p := &producerConn{id: uuid.New().String(), conn: conn}
		conn.SetReadLimit(maxFrameSize)

		meta, err := readHandshake(conn)
		if err != nil {
			log.Warn("producer handshake failed", zap.String("conn_id", p.id), zap.Error(err))
			code := websocket.ClosePolicyViolation
			if errors.Is(err, errBadMetadata) {
				code = websocket.CloseUnsupportedData
			}
			p.closeWith(code, err.Error())
			return
		}
		if authorize != nil {
			if err := authorize(token, meta.SessionID); err != nil {
				log.Warn("producer rejected", zap.String("session_id", meta.SessionID), zap.Error(err))
				p.closeWith(websocket.ClosePolicyViolation, "unauthorized")
				return
			}
		}

		hub.AttachProducer(p.id, meta)
		serveProducer(hub, p, meta.SessionID, log)
	}
}

func readHandshake(conn *websocket.Conn) (protocol.Metadata, error) {
	_ = conn.SetReadDeadline(time.Now().Add(HandshakeWait))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Metadata{}, err
	}
	msg, err := protocol.Decode(mt, data)
	if err != nil {
		return protocol.Metadata{}, err
	}
	if msg.Type != protocol.TypeMetadata {
		return protocol.Metadata{}, errNoMetadata
	}
	m := *msg.Metadata
	if m.SampleRate <= 0 || m.Channels <= 0 || (m.BitsPerSample != 16 && m.BitsPerSample != 8) {
		return protocol.Metadata{}, errBadMetadata
	}
	if m.SessionID == "" {
		m.SessionID = uuid.New().String()
	}
	return m, nil
}

func serveProducer(hub *Hub, p *producerConn, sessionID string, log *zap.Logger) {
	log = log.With(zap.String("session_id", sessionID), zap.String("conn_id", p.id))
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(PingInterval * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := p.writeJSON(protocol.NewHeartbeat(time.Now())); err != nil {
					return
				}
			}
		}
	}()

	ended := false
	var err error
	for {
		_ = p.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		var mt int
		var data []byte
		mt, data, err = p.conn.ReadMessage()
		if err != nil {
			break
		}
		msg, derr := protocol.Decode(mt, data)
		if derr != nil {
			log.Debug("ignoring producer message", zap.Error(derr))
			continue
		}
		switch msg.Type {
		case protocol.TypeAudioData:
			if !ended {
				hub.Audio(sessionID, msg.Audio)
			}
		case protocol.TypeHeartbeat:
			ack := protocol.Heartbeat{Type: protocol.TypeHeartbeatAck, Timestamp: msg.Heartbeat.Timestamp}
			if werr := p.writeJSON(ack); werr != nil {
				log.Debug("heartbeat ack failed", zap.Error(werr))
			}
		case protocol.TypeEnd:
			if !ended {
				ended = true
				hub.EndSession(sessionID, msg.End.Reason)
			}
		case protocol.TypeMetadata:
			log.Debug("ignoring repeated metadata")
		}
	}
	_ = p.conn.Close()

	switch {
	case ended:
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		hub.EndSession(sessionID, "closed")
	default:
		log.Warn("producer connection lost", zap.Error(err))
		hub.DetachProducer(sessionID, p.id)
	}
}
