package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StorageMetrics covers the Postgres and Redis collaborators.
type StorageMetrics struct {
	DBQueryDuration       *prometheus.HistogramVec
	DBErrorsTotal         *prometheus.CounterVec
	RedisOpsTotal         *prometheus.CounterVec
	RedisOpDuration       *prometheus.HistogramVec
	RedisConnectionErrors prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec
	CircuitBreakerChanges *prometheus.CounterVec
}

// NewStorageMetrics creates and registers storage metrics on the given registry.
func NewStorageMetrics(reg prometheus.Registerer) *StorageMetrics {
	m := &StorageMetrics{
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Postgres query duration by statement kind.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"query"}),
		DBErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "errors_total",
			Help:      "Postgres query errors by statement kind.",
		}, []string{"query"}),
		RedisOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operations_total",
			Help:      "Redis operations by command and status.",
		}, []string{"operation", "status"}),
		RedisOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Redis operation duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		RedisConnectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "connection_errors_total",
			Help:      "Redis dial failures.",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Current circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"component"}),
		CircuitBreakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state_changes_total",
			Help:      "Circuit breaker transitions by component and new state.",
		}, []string{"component", "state"}),
	}

	reg.MustRegister(
		m.DBQueryDuration,
		m.DBErrorsTotal,
		m.RedisOpsTotal,
		m.RedisOpDuration,
		m.RedisConnectionErrors,
		m.CircuitBreakerState,
		m.CircuitBreakerChanges,
	)
	return m
}

func (m *StorageMetrics) Query(name string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(name).Observe(d.Seconds())
	if err != nil {
		m.DBErrorsTotal.WithLabelValues(name).Inc()
	}
}

func (m *StorageMetrics) RedisOp(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RedisOpsTotal.WithLabelValues(operation, status).Inc()
	m.RedisOpDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *StorageMetrics) RedisDialError() {
	if m == nil {
		return
	}
	m.RedisConnectionErrors.Inc()
}

// BreakerState records a transition; state is 0 closed, 1 half-open, 2 open.
func (m *StorageMetrics) BreakerState(component, name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerChanges.WithLabelValues(component, name).Inc()
	m.CircuitBreakerState.WithLabelValues(component).Set(state)
}
