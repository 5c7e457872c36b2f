package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabengine/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" {
			return true
		}
		for _, p := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
			if strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	},
}

// streamEvents upgrades to a WebSocket and writes every session event as a
// JSON text frame until either side goes away. Inbound frames are only
// read to notice a close.
func (s *Server) streamEvents(c *gin.Context, coord *session.Coordinator) {
	if s.events == nil {
		abort(c, http.StatusNotImplemented, "event stream not configured")
		return
	}
	sessionID := c.Param("id")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Subscribe before the upgrade so nothing published after the
	// handshake is missed.
	evts, err := s.events.Subscribe(ctx, sessionID)
	if err != nil {
		s.logger.Warn("subscribe failed", zap.String("session_id", sessionID), zap.Error(err))
		abort(c, http.StatusInternalServerError, "subscribe failed")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("origin", c.GetHeader("Origin")), zap.Error(err))
		return
	}
	defer conn.Close()

	s.logger.Debug("event stream opened", zap.String("session_id", sessionID), zap.String("participant_id", coord.LocalID()))

	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case evt, ok := <-evts:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				s.logger.Debug("event stream write failed", zap.String("session_id", sessionID), zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
