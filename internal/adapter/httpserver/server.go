package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Jair4x/scst-server/internal/adapter/metrics"
	"github.com/Jair4x/scst-server/internal/app"
	"github.com/Jair4x/scst-server/internal/broadcast"
	"github.com/Jair4x/scst-server/internal/platform/config"
)

type sessionService interface {
	RegisterSession(ctx context.Context, accountID, token string) (app.RegisterResult, error)
	UnregisterSession(ctx context.Context, accountID string) error
	Sessions() []app.SessionInfo
}

type listenerHub interface {
	AddListener(conn broadcast.Conn) (*broadcast.Listener, error)
	RemoveListener(l *broadcast.Listener)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	sessions sessionService
	hub      listenerHub

	upgrader     websocket.Upgrader
	connections  *ConnectionLimiter
	registry     *prometheus.Registry
	httpMetrics  *metrics.HTTPMetrics
	healthChecks []HealthCheck
	startTime    time.Time
}

// NewServer creates the HTTP server and registers its routes and metrics on
// registry.
func NewServer(cfg *config.Config, sessions sessionService, hub listenerHub, registry *prometheus.Registry, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:     e,
		config:   cfg,
		sessions: sessions,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     NewCheckOrigin(cfg.AllowedOrigins(), cfg.IsDevelopment()),
		},
		connections:  NewConnectionLimiter(int64(cfg.MaxListenerConnections)),
		registry:     registry,
		httpMetrics:  metrics.NewHTTPMetrics(registry),
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Listen binds the configured port without serving yet. Connections made
// after Listen returns are queued and answered once Start runs.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", ":"+s.config.Port)
	if err != nil {
		return fmt.Errorf("failed to bind port %s: %w", s.config.Port, err)
	}
	s.echo.Listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.echo.Listener == nil {
		return nil
	}
	return s.echo.Listener.Addr()
}

// Start serves on the listener bound by Listen, binding first if needed.
func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests. Upgraded listener sockets are hijacked
// and are closed by the broadcast hub, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
