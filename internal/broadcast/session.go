package broadcast

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/wspush/internal/adapter/metrics"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Conn is the part of *websocket.Conn a Session writes through.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Close codes used when the server ends a session.
const (
	CloseReplaced = 4000 // evicted by a newer connection with the same id
)

// Session is one live client connection. The conn is owned by the session:
// every write goes through writeMu, so dispatcher sends, keepalive pings and
// close frames never interleave.
type Session struct {
	id         string
	remoteAddr string
	joinedAt   time.Time
	conn       Conn
	clock      clockwork.Clock

	state   atomic.Int32
	writeMu sync.Mutex
	done    chan struct{}

	activityMu   sync.Mutex
	lastActivity time.Time
}

func newSession(id string, conn Conn, remoteAddr string, clock clockwork.Clock) *Session {
	now := clock.Now()
	s := &Session{
		id:           id,
		remoteAddr:   remoteAddr,
		joinedAt:     now,
		conn:         conn,
		clock:        clock,
		done:         make(chan struct{}),
		lastActivity: now,
	}
	s.state.Store(int32(StateOpen))
	return s
}

func (s *Session) ID() string          { return s.id }
func (s *Session) RemoteAddr() string  { return s.remoteAddr }
func (s *Session) JoinedAt() time.Time { return s.joinedAt }
func (s *Session) State() State        { return State(s.state.Load()) }

// LastActivity is the time of the last pong or inbound message.
func (s *Session) LastActivity() time.Time {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.activityMu.Lock()
	s.lastActivity = s.clock.Now()
	s.activityMu.Unlock()
}

// send writes one frame if the session is still OPEN. Deadlines are handed to
// the network stack, so they are taken from the wall clock.
func (s *Session) send(messageType int, data []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.State() != StateOpen {
		return ErrSessionNotOpen
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %w", ErrSendTimeout, err)
		}
		return err
	}
	return nil
}

// beginClose moves OPEN to CLOSING. Only the caller that wins the transition
// performs teardown.
func (s *Session) beginClose() bool {
	if !s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return false
	}
	close(s.done)
	return true
}

// teardown closes the transport and marks the session CLOSED. A close frame
// is attempted only when code is non-zero.
func (s *Session) teardown(code int, reason string, timeout time.Duration) error {
	var errs []error

	s.writeMu.Lock()
	if code != 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
		msg := websocket.FormatCloseMessage(code, reason)
		if err := s.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isClosedConn(err) {
			errs = append(errs, fmt.Errorf("close frame: %w", err))
		}
	}
	if err := s.conn.Close(); err != nil && !isClosedConn(err) {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	s.writeMu.Unlock()

	s.state.Store(int32(StateClosed))

	if len(errs) > 0 {
		return &TransportTeardownError{SessionID: s.id, Err: errors.Join(errs...)}
	}
	return nil
}

// retire runs CLOSING -> unregister -> teardown -> CLOSED. It is a no-op for
// sessions that already left OPEN.
func retire(reg *Registry, m *metrics.WebSocketMetrics, s *Session, code int, reason, cause string, timeout time.Duration) {
	if !s.beginClose() {
		return
	}

	reg.remove(s)

	if err := s.teardown(code, reason, timeout); err != nil {
		m.TeardownError()
		slog.Debug("Session teardown failed", "session_id", s.id, "error", err)
	}

	m.Disconnect(cause)
	slog.Debug("Session closed", "session_id", s.id, "cause", cause, "remaining", reg.Size())
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent)
}
