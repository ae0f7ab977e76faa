package httpserver

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Jair4x/scst-server/internal/app"
	"github.com/Jair4x/scst-server/internal/domain"
	apperrors "github.com/Jair4x/scst-server/internal/platform/errors"
)

type registerRequest struct {
	AccountID string `json:"accountId"`
	Token     string `json:"token"`
}

type sessionsResponse struct {
	Sessions []app.SessionInfo `json:"sessions"`
}

func (s *Server) registerAPIRoutes() {
	s.echo.POST("/api/sessions", s.handleRegisterSession)
	s.echo.GET("/api/sessions", s.handleListSessions)
	s.echo.DELETE("/api/sessions/:accountId", s.handleUnregisterSession)
}

func (s *Server) handleRegisterSession(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("request body must be a JSON object")
	}

	result, err := s.sessions.RegisterSession(c.Request().Context(), req.AccountID, req.Token)
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, result); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleListSessions(c echo.Context) error {
	sessions := s.sessions.Sessions()
	if sessions == nil {
		sessions = []app.SessionInfo{}
	}

	if err := c.JSON(http.StatusOK, sessionsResponse{Sessions: sessions}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleUnregisterSession(c echo.Context) error {
	accountID := c.Param("accountId")

	err := s.sessions.UnregisterSession(c.Request().Context(), accountID)
	if errors.Is(err, domain.ErrCredentialNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}
