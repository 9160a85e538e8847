package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/wspush/internal/adapter/metrics"
	"github.com/pscheid92/wspush/internal/broadcast"
	apperrors "github.com/pscheid92/wspush/internal/platform/errors"
)

const (
	maxSessionIDLength = 128
	maxInboundMessage  = 4096
)

// Lifecycle is the part of broadcast.Lifecycle the read pump drives.
type Lifecycle interface {
	Open(ctx context.Context, req broadcast.OpenRequest) (*broadcast.Session, error)
	Message(s *broadcast.Session)
	Close(s *broadcast.Session)
	Fail(s *broadcast.Session, err error)
}

var _ Lifecycle = (*broadcast.Lifecycle)(nil)

// Handler upgrades /ws and /ws/:sid requests and owns the read side of each
// connection for as long as it lives.
type Handler struct {
	lifecycle Lifecycle
	limits    *ConnectionLimits
	upgrader  websocket.Upgrader
	metrics   *metrics.WebSocketMetrics
}

// NewHandler creates the upgrade handler. limits and m may be nil.
func NewHandler(lifecycle Lifecycle, limits *ConnectionLimits, checkOrigin func(*http.Request) bool, m *metrics.WebSocketMetrics) *Handler {
	return &Handler{
		lifecycle: lifecycle,
		limits:    limits,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		metrics: m,
	}
}

// Register mounts the upgrade routes.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.Serve)
	e.GET("/ws/:sid", h.Serve)
}

// Serve blocks until the connection ends.
func (h *Handler) Serve(c echo.Context) error {
	sid := c.Param("sid")
	if len(sid) > maxSessionIDLength {
		return apperrors.ValidationError("session id too long").WithContext("max_length", maxSessionIDLength)
	}

	ip := c.RealIP()
	if h.limits != nil {
		ok, reason := h.limits.Acquire(ip)
		if !ok {
			h.metrics.Connection(metrics.ConnectionLimited)
			slog.WarnContext(c.Request().Context(), "WebSocket connection limited", "remote_addr", ip, "reason", reason)
			if reason == LimitReasonGlobal {
				return apperrors.UnavailableError("server at connection capacity", nil)
			}
			return echo.NewHTTPError(http.StatusTooManyRequests, "too many connections")
		}
		defer h.limits.Release(ip)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		slog.DebugContext(c.Request().Context(), "WebSocket upgrade failed", "remote_addr", ip, "error", err)
		return nil
	}
	conn.SetReadLimit(maxInboundMessage)

	s, err := h.lifecycle.Open(c.Request().Context(), broadcast.OpenRequest{
		ID:         sid,
		Conn:       conn,
		RemoteAddr: ip,
	})
	if err != nil {
		return nil
	}

	h.readPump(conn, s)
	return nil
}

// readPump turns inbound frames into lifecycle events. Control frames are
// handled by gorilla inside ReadMessage.
func (h *Handler) readPump(conn *websocket.Conn, s *broadcast.Session) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				h.lifecycle.Close(s)
			} else {
				h.lifecycle.Fail(s, err)
			}
			return
		}
		h.lifecycle.Message(s)
	}
}
