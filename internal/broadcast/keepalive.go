package broadcast

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 60 * time.Second
	defaultIdleTimeout  = 5 * time.Minute
	defaultWriteTimeout = 5 * time.Second
)

// configureReadDeadline arms the read deadline and refreshes it on every pong.
// Must be called before the read pump starts.
func (s *Session) configureReadDeadline(pongTimeout time.Duration) {
	s.extendReadDeadline(pongTimeout)
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline(pongTimeout)
		s.touch()
		return nil
	})
}

func (s *Session) extendReadDeadline(pongTimeout time.Duration) {
	_ = s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
}

// keepalive pings the peer until the session leaves OPEN. onFailure is called
// at most once, with ErrIdleTimeout or the ping write error.
func (s *Session) keepalive(pingInterval, idleTimeout, writeTimeout time.Duration, onFailure func(error)) {
	ticker := s.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			if s.clock.Since(s.LastActivity()) >= idleTimeout {
				onFailure(ErrIdleTimeout)
				return
			}

			err := s.send(websocket.PingMessage, nil, writeTimeout)
			if errors.Is(err, ErrSessionNotOpen) {
				return
			}
			if err != nil {
				onFailure(err)
				return
			}
		}
	}
}
