package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Connection results recorded by ConnectionsTotal.
const (
	ConnectionAccepted = "accepted"
	ConnectionRejected = "rejected"
	ConnectionEvicted  = "evicted"
	ConnectionLimited  = "limited"
)

// Delivery outcomes recorded by DeliveriesTotal.
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliverySkipped   = "skipped"
)

// WebSocketMetrics holds Prometheus metrics for sessions and broadcasts.
// All methods are safe to call on a nil receiver.
type WebSocketMetrics struct {
	ActiveSessions    prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	DisconnectsTotal  *prometheus.CounterVec
	DeliveriesTotal   *prometheus.CounterVec
	BroadcastsTotal   prometheus.Counter
	BroadcastDuration prometheus.Histogram
	TeardownErrors    prometheus.Counter
	PingFailures      prometheus.Counter
}

// NewWebSocketMetrics creates and registers WebSocket metrics on the given registry.
func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_sessions",
			Help:      "Number of sessions currently in the registry.",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "Connection attempts by result (accepted, rejected, evicted, limited).",
		}, []string{"result"}),
		DisconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "disconnects_total",
			Help:      "Session teardowns by cause.",
		}, []string{"cause"}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "deliveries_total",
			Help:      "Per-session delivery attempts by outcome.",
		}, []string{"outcome"}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "calls_total",
			Help:      "Total number of broadcast calls.",
		}),
		BroadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "duration_seconds",
			Help:      "Wall time of one broadcast call across all sessions.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		TeardownErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "teardown_errors_total",
			Help:      "Errors swallowed while closing already-failed connections.",
		}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "ping_failures_total",
			Help:      "Keepalive pings that could not be written.",
		}),
	}

	reg.MustRegister(
		m.ActiveSessions,
		m.ConnectionsTotal,
		m.DisconnectsTotal,
		m.DeliveriesTotal,
		m.BroadcastsTotal,
		m.BroadcastDuration,
		m.TeardownErrors,
		m.PingFailures,
	)
	return m
}

func (m *WebSocketMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *WebSocketMetrics) Connection(result string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(result).Inc()
}

func (m *WebSocketMetrics) Disconnect(cause string) {
	if m == nil {
		return
	}
	m.DisconnectsTotal.WithLabelValues(cause).Inc()
}

// Broadcast records the outcome counts of one broadcast call.
func (m *WebSocketMetrics) Broadcast(delivered, failed, skipped int, d time.Duration) {
	if m == nil {
		return
	}
	m.BroadcastsTotal.Inc()
	m.DeliveriesTotal.WithLabelValues(DeliveryDelivered).Add(float64(delivered))
	m.DeliveriesTotal.WithLabelValues(DeliveryFailed).Add(float64(failed))
	m.DeliveriesTotal.WithLabelValues(DeliverySkipped).Add(float64(skipped))
	m.BroadcastDuration.Observe(d.Seconds())
}

func (m *WebSocketMetrics) TeardownError() {
	if m == nil {
		return
	}
	m.TeardownErrors.Inc()
}

func (m *WebSocketMetrics) PingFailure() {
	if m == nil {
		return
	}
	m.PingFailures.Inc()
}
