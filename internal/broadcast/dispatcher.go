package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/wspush/internal/adapter/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSendTimeout        = 5 * time.Second
	defaultMaxConcurrentSends = 64
)

type DispatcherConfig struct {
	// SendTimeout bounds each per-session write. Hitting it counts as a
	// transport error.
	SendTimeout time.Duration
	// MaxConcurrentSends caps the number of writes in flight per broadcast.
	MaxConcurrentSends int
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		SendTimeout:        defaultSendTimeout,
		MaxConcurrentSends: defaultMaxConcurrentSends,
	}
}

// Outcome is the result of one delivery attempt. Err is nil on success,
// ErrSessionNotOpen when the session was skipped, and a *DeliveryError when
// the write failed.
type Outcome struct {
	SessionID string
	Err       error
}

// DeliveryReport summarizes one broadcast call.
type DeliveryReport struct {
	Attempted int
	Delivered int
	Failed    int
	Skipped   int
	Duration  time.Duration
	Outcomes  []Outcome
}

// Dispatcher fans a payload out to every OPEN session in the registry.
// Calls are serialized, so a session sees payloads in call order; sends
// within a call run concurrently.
type Dispatcher struct {
	mu       sync.Mutex
	registry *Registry
	clock    clockwork.Clock
	cfg      DispatcherConfig
	metrics  *metrics.WebSocketMetrics
}

func NewDispatcher(registry *Registry, clock clockwork.Clock, cfg DispatcherConfig, m *metrics.WebSocketMetrics) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.MaxConcurrentSends <= 0 {
		cfg.MaxConcurrentSends = defaultMaxConcurrentSends
	}
	return &Dispatcher{
		registry: registry,
		clock:    clock,
		cfg:      cfg,
		metrics:  m,
	}
}

// Broadcast delivers payload to every session that is OPEN in the snapshot
// taken at call time. It never fails as a whole: a session whose write fails
// is closed and unregistered, and the failure only shows up in the report.
func (d *Dispatcher) Broadcast(ctx context.Context, payload string) DeliveryReport {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := d.clock.Now()
	data := []byte(payload)
	sessions := d.registry.Snapshot()
	outcomes := make([]Outcome, len(sessions))

	var g errgroup.Group
	g.SetLimit(d.cfg.MaxConcurrentSends)
	for i, s := range sessions {
		if s.State() != StateOpen {
			outcomes[i] = Outcome{SessionID: s.id, Err: ErrSessionNotOpen}
			continue
		}
		g.Go(func() error {
			outcomes[i] = d.deliver(s, data)
			return nil
		})
	}
	_ = g.Wait()

	report := DeliveryReport{Outcomes: outcomes}
	for _, o := range outcomes {
		switch {
		case o.Err == nil:
			report.Delivered++
		case errors.Is(o.Err, ErrSessionNotOpen):
			report.Skipped++
		default:
			report.Failed++
		}
	}
	report.Attempted = report.Delivered + report.Failed
	report.Duration = d.clock.Since(start)

	d.metrics.Broadcast(report.Delivered, report.Failed, report.Skipped, report.Duration)

	level := slog.LevelDebug
	if report.Failed > 0 {
		level = slog.LevelInfo
	}
	slog.Log(ctx, level, "Broadcast complete",
		"sessions", len(sessions),
		"delivered", report.Delivered,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"bytes", len(data),
		"duration", report.Duration,
	)

	return report
}

func (d *Dispatcher) deliver(s *Session, data []byte) Outcome {
	err := s.send(websocket.TextMessage, data, d.cfg.SendTimeout)
	if err == nil {
		return Outcome{SessionID: s.id}
	}
	if errors.Is(err, ErrSessionNotOpen) {
		// closed by another path between snapshot and send
		return Outcome{SessionID: s.id, Err: err}
	}

	slog.Debug("Delivery failed, closing session", "session_id", s.id, "error", err)
	retire(d.registry, d.metrics, s, 0, "", causeDelivery, d.cfg.SendTimeout)
	return Outcome{SessionID: s.id, Err: &DeliveryError{SessionID: s.id, Err: err}}
}
