package realtime

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/middleware"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/protocol"
	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/response"
)

// Listener is a single websocket connection pulling a session's audio.
type Listener struct {
	ID        string
	SessionID string
	JoinedAt  time.Time
	hub       *Hub
	conn      *websocket.Conn
	send      chan Frame
	dropped   int64
	logger    *zap.Logger
}

// ServeListen handles /ws/listen?session_id=. The listener gets the session
// metadata first, then audio as binary frames, then the end notice.
func ServeListen(hub *Hub, authorize Authorizer, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("listen")
	return func(c *gin.Context) {
		sessionID := c.Query("session_id")
		if sessionID == "" {
			response.BadRequest(c, "session_id required")
			return
		}
		if authorize != nil {
			if err := authorize(middleware.BearerToken(c), sessionID); err != nil {
				response.Unauthorized(c, "invalid token")
				return
			}
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		l := &Listener{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			JoinedAt:  time.Now(),
			hub:       hub,
			conn:      conn,
			send:      make(chan Frame, sendBuffer),
			logger:    log,
		}
		hub.RegisterListener(l)
		go l.writePump()
		l.readPump()
	}
}

// readPump discards listener input and keeps the pong deadline fresh.
func (l *Listener) readPump() {
	defer func() {
		l.hub.UnregisterListener(l)
		_ = l.conn.Close()
		if l.dropped > 0 {
			l.logger.Info("listener dropped frames", zap.String("listener_id", l.ID), zap.Int64("dropped", l.dropped))
		}
	}()

	l.conn.SetReadLimit(4096)
	_ = l.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	l.conn.SetPongHandler(func(string) error {
		_ = l.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})
	for {
		if _, _, err := l.conn.ReadMessage(); err != nil {
			return
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	}
}

func (l *Listener) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = l.conn.Close()
	}()

	for {
		select {
		case f := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			mt := websocket.TextMessage
			if f.Kind == protocol.TypeAudioData {
				mt = websocket.BinaryMessage
			}
			if err := l.conn.WriteMessage(mt, f.Data); err != nil {
				return
			}
			if f.Kind == protocol.TypeEnd {
				_ = l.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
