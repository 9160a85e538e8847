package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/wspush/internal/app"
	"github.com/pscheid92/wspush/internal/broadcast"
)

func (s *Server) registerAPIRoutes() {
	s.echo.GET("/api/sessions", s.handleSessions)
	s.echo.GET("/api/stats", s.handleStats)
}

type sessionInfo struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	JoinedAt   time.Time `json:"joined_at"`
	RemoteAddr string    `json:"remote_addr"`
}

type sessionsResponse struct {
	Count    int           `json:"count"`
	Sessions []sessionInfo `json:"sessions"`
}

func (s *Server) handleSessions(c echo.Context) error {
	snapshot := s.sessions.Snapshot()
	slices.SortFunc(snapshot, func(a, b *broadcast.Session) int {
		return a.JoinedAt().Compare(b.JoinedAt())
	})

	resp := sessionsResponse{
		Count:    len(snapshot),
		Sessions: make([]sessionInfo, 0, len(snapshot)),
	}
	for _, sess := range snapshot {
		resp.Sessions = append(resp.Sessions, sessionInfo{
			ID:         sess.ID(),
			State:      sess.State().String(),
			JoinedAt:   sess.JoinedAt(),
			RemoteAddr: sess.RemoteAddr(),
		})
	}

	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

type statsResponse struct {
	Sessions  int     `json:"sessions"`
	LastCount *int64  `json:"last_count"`
	Uptime    float64 `json:"uptime"`
}

// handleStats reports the live session count and the last count broadcast
// by the count job. A cache failure leaves last_count null.
func (s *Server) handleStats(c echo.Context) error {
	resp := statsResponse{
		Sessions: s.sessions.Size(),
		Uptime:   s.clock.Since(s.startTime).Seconds(),
	}

	if s.stats != nil {
		var n int64
		found, err := s.stats.Get(c.Request().Context(), app.LastCountKey, &n)
		switch {
		case err != nil:
			slog.WarnContext(c.Request().Context(), "Failed to read last count", "error", err)
		case found:
			resp.LastCount = &n
		}
	}

	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
