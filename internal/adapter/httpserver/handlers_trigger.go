package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	apperrors "github.com/pscheid92/wspush/internal/platform/errors"
)

const maxBroadcastMessage = 64 * 1024

func (s *Server) registerTriggerRoutes() {
	s.echo.GET("/webSocket/webSocket", s.handleTrigger)

	limit := s.config.APIBurst
	if limit <= 0 {
		limit = 1
	}
	s.echo.POST("/api/broadcast", s.handleBroadcast, newRateLimiter(s.config.APIRate, limit))
}

// handleTrigger broadcasts the configured trigger message. The response is
// always an empty 200, whatever the delivery outcome.
func (s *Server) handleTrigger(c echo.Context) error {
	s.dispatcher.Broadcast(c.Request().Context(), s.config.TriggerMessage)
	return c.NoContent(http.StatusOK)
}

type broadcastRequest struct {
	Message string `json:"message"`
}

type broadcastResponse struct {
	Attempted  int   `json:"attempted"`
	Delivered  int   `json:"delivered"`
	Failed     int   `json:"failed"`
	Skipped    int   `json:"skipped"`
	DurationMS int64 `json:"duration_ms"`
}

func (s *Server) handleBroadcast(c echo.Context) error {
	var req broadcastRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return apperrors.ValidationError("message is required")
	}
	if len(req.Message) > maxBroadcastMessage {
		return apperrors.ValidationError("message too long").WithContext("max_bytes", maxBroadcastMessage)
	}

	report := s.dispatcher.Broadcast(c.Request().Context(), req.Message)

	resp := broadcastResponse{
		Attempted:  report.Attempted,
		Delivered:  report.Delivered,
		Failed:     report.Failed,
		Skipped:    report.Skipped,
		DurationMS: report.Duration.Milliseconds(),
	}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
