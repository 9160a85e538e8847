package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/wspush/internal/adapter/metrics"
	"golang.org/x/sync/errgroup"
)

// DuplicatePolicy decides what happens when a connection arrives with an id
// that is already registered.
type DuplicatePolicy string

const (
	// DuplicateEvict closes the old session and registers the new one.
	DuplicateEvict DuplicatePolicy = "evict"
	// DuplicateReject keeps the old session and refuses the new connection.
	DuplicateReject DuplicatePolicy = "reject"
)

func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch p := DuplicatePolicy(s); p {
	case DuplicateEvict, DuplicateReject:
		return p, nil
	default:
		return "", fmt.Errorf("unknown duplicate session policy %q (want evict or reject)", s)
	}
}

// Disconnect causes, used as metric labels and in logs.
const (
	causeClientClosed   = "client_closed"
	causeTransportError = "transport_error"
	causeKeepalive      = "keepalive"
	causeDelivery       = "delivery_failed"
	causeEvicted        = "evicted"
	causeShutdown       = "shutdown"
)

type LifecycleConfig struct {
	DuplicatePolicy DuplicatePolicy
	PingInterval    time.Duration
	PongTimeout     time.Duration
	IdleTimeout     time.Duration
	WriteTimeout    time.Duration
}

func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		DuplicatePolicy: DuplicateEvict,
		PingInterval:    defaultPingInterval,
		PongTimeout:     defaultPongTimeout,
		IdleTimeout:     defaultIdleTimeout,
		WriteTimeout:    defaultWriteTimeout,
	}
}

// OpenRequest describes a connection that completed its handshake.
// An empty ID makes the server assign one.
type OpenRequest struct {
	ID         string
	Conn       Conn
	RemoteAddr string
}

// Lifecycle turns transport events into registry mutations. Every event is an
// explicit call carrying the session it concerns.
type Lifecycle struct {
	registry *Registry
	clock    clockwork.Clock
	cfg      LifecycleConfig
	metrics  *metrics.WebSocketMetrics
	closing  atomic.Bool
}

func NewLifecycle(registry *Registry, clock clockwork.Clock, cfg LifecycleConfig, m *metrics.WebSocketMetrics) *Lifecycle {
	return &Lifecycle{
		registry: registry,
		clock:    clock,
		cfg:      cfg,
		metrics:  m,
	}
}

// Open registers a new OPEN session for a connection that completed its
// handshake and starts its keepalive. On failure the connection is closed.
func (l *Lifecycle) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	s := newSession(id, req.Conn, req.RemoteAddr, l.clock)

	if l.closing.Load() {
		l.metrics.Connection(metrics.ConnectionRejected)
		s.beginClose()
		if tErr := s.teardown(websocket.CloseGoingAway, "server shutting down", l.cfg.WriteTimeout); tErr != nil {
			l.metrics.TeardownError()
		}
		return nil, ErrShuttingDown
	}

	err := l.registry.Register(s)
	if errors.Is(err, ErrDuplicateSession) && l.cfg.DuplicatePolicy == DuplicateEvict {
		if old, ok := l.registry.Get(id); ok {
			slog.InfoContext(ctx, "Evicting session replaced by new connection", "session_id", id, "old_remote_addr", old.remoteAddr, "remote_addr", req.RemoteAddr)
			retire(l.registry, l.metrics, old, CloseReplaced, "replaced by new connection", causeEvicted, l.cfg.WriteTimeout)
			// old may already be closing on another path without having left
			// the registry yet
			l.registry.remove(old)
			l.metrics.Connection(metrics.ConnectionEvicted)
		}
		err = l.registry.Register(s)
	}

	if err != nil {
		l.metrics.Connection(metrics.ConnectionRejected)
		slog.WarnContext(ctx, "Rejecting connection", "session_id", id, "remote_addr", req.RemoteAddr, "error", err)
		s.beginClose()
		if tErr := s.teardown(websocket.ClosePolicyViolation, "session id already connected", l.cfg.WriteTimeout); tErr != nil {
			l.metrics.TeardownError()
			slog.DebugContext(ctx, "Teardown of rejected connection failed", "error", tErr)
		}
		return nil, err
	}

	// Shutdown may have taken its snapshot between the check above and
	// Register; whichever side sees the other closes the session.
	if l.closing.Load() {
		retire(l.registry, l.metrics, s, websocket.CloseGoingAway, "server shutting down", causeShutdown, l.cfg.WriteTimeout)
		return nil, ErrShuttingDown
	}

	s.configureReadDeadline(l.cfg.PongTimeout)
	go s.keepalive(l.cfg.PingInterval, l.cfg.IdleTimeout, l.cfg.WriteTimeout, func(err error) {
		l.keepaliveFailed(s, err)
	})

	l.metrics.Connection(metrics.ConnectionAccepted)
	slog.DebugContext(ctx, "Session opened", "session_id", id, "remote_addr", req.RemoteAddr, "total_sessions", l.registry.Size())
	return s, nil
}

// Message records inbound traffic. Client payloads are not interpreted; they
// only prove the peer is alive.
func (l *Lifecycle) Message(s *Session) {
	s.touch()
	s.extendReadDeadline(l.cfg.PongTimeout)
}

// Close handles a client-initiated close or transport EOF.
func (l *Lifecycle) Close(s *Session) {
	retire(l.registry, l.metrics, s, 0, "", causeClientClosed, l.cfg.WriteTimeout)
}

// Fail handles a transport error during an inbound read.
func (l *Lifecycle) Fail(s *Session, err error) {
	if s.State() == StateOpen {
		slog.Warn("Session transport error", "session_id", s.id, "error", err)
	}
	retire(l.registry, l.metrics, s, 0, "", causeTransportError, l.cfg.WriteTimeout)
}

func (l *Lifecycle) keepaliveFailed(s *Session, err error) {
	if errors.Is(err, ErrIdleTimeout) {
		slog.Info("Disconnecting idle session", "session_id", s.id, "idle_for", l.clock.Since(s.LastActivity()))
		retire(l.registry, l.metrics, s, websocket.CloseGoingAway, "idle timeout", causeKeepalive, l.cfg.WriteTimeout)
		return
	}

	l.metrics.PingFailure()
	slog.Debug("Keepalive ping failed", "session_id", s.id, "error", err)
	retire(l.registry, l.metrics, s, 0, "", causeKeepalive, l.cfg.WriteTimeout)
}

// Shutdown closes every registered session with a Going Away frame. Once ctx
// is done the remaining sessions are closed without a frame.
// Open calls that arrive afterwards are refused.
func (l *Lifecycle) Shutdown(ctx context.Context) {
	l.closing.Store(true)
	sessions := l.registry.Snapshot()
	slog.Info("Closing all sessions", "sessions", len(sessions))

	var g errgroup.Group
	g.SetLimit(defaultMaxConcurrentSends)
	for _, s := range sessions {
		g.Go(func() error {
			code := websocket.CloseGoingAway
			if ctx.Err() != nil {
				code = 0
			}
			retire(l.registry, l.metrics, s, code, "server shutting down", causeShutdown, l.cfg.WriteTimeout)
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("All sessions closed", "disconnected", len(sessions))
}
