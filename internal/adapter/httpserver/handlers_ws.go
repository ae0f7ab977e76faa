package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Jair4x/scst-server/internal/broadcast"
)

const (
	// pongWait must exceed the writer's ping interval.
	pongWait      = 60 * time.Second
	maxListenerIn = 512
)

func (s *Server) registerListenerRoutes() {
	limiter := newListenerRateLimiter(s.config.ListenerRatePerSecond, s.config.ListenerRateBurst, func() {
		s.httpMetrics.RejectListener("rate_limit")
	})
	s.echo.GET("/ws", s.handleListener, limiter)
}

// handleListener upgrades to a listener websocket and holds the request
// until the peer goes away. Listeners are receive-only; inbound frames other
// than control frames are discarded.
func (s *Server) handleListener(c echo.Context) error {
	if !s.connections.Acquire() {
		slog.WarnContext(c.Request().Context(), "Listener capacity reached",
			"current", s.connections.Current(), "max", s.connections.Max())
		s.httpMetrics.RejectListener("capacity")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "listener capacity reached",
		})
	}
	defer s.connections.Release()

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		slog.DebugContext(c.Request().Context(), "Listener upgrade failed", "remote_addr", c.RealIP(), "error", err)
		s.httpMetrics.RejectListener("upgrade")
		return nil
	}

	listener, err := s.hub.AddListener(conn)
	if err != nil {
		slog.WarnContext(c.Request().Context(), "Failed to register listener", "error", err)
		s.httpMetrics.RejectListener("hub_stopped")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "unavailable"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return nil
	}

	slog.DebugContext(c.Request().Context(), "Listener connected", "listener_id", listener.ID.String(), "remote_addr", c.RealIP())
	readUntilClosed(conn, listener)
	s.hub.RemoveListener(listener)
	slog.DebugContext(c.Request().Context(), "Listener disconnected", "listener_id", listener.ID.String())

	return nil
}

// readUntilClosed drains the connection so control frames are processed and
// marks the listener closed once reading fails.
func readUntilClosed(conn *websocket.Conn, listener *broadcast.Listener) {
	defer listener.MarkClosed()

	conn.SetReadLimit(maxListenerIn)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
