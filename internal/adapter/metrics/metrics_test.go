package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var ws *WebSocketMetrics
	var jobs *JobMetrics
	var storage *StorageMetrics
	var httpm *HTTPMetrics

	assert.NotPanics(t, func() {
		ws.SetActiveSessions(3)
		ws.Connection(ConnectionAccepted)
		ws.Disconnect("client_closed")
		ws.Broadcast(1, 2, 3, time.Second)
		ws.TeardownError()
		ws.PingFailure()
		jobs.Run("count", "ok", time.Second)
		storage.Query("count", time.Millisecond, nil)
		storage.RedisOp("get", "ok", time.Millisecond)
		storage.RedisDialError()
		storage.BreakerState("redis", "open", 2)
		httpm.HandlerError("internal")
	})
}

func TestWebSocketMetrics(t *testing.T) {
	m := NewWebSocketMetrics(prometheus.NewRegistry())

	m.SetActiveSessions(4)
	m.Connection(ConnectionAccepted)
	m.Connection(ConnectionAccepted)
	m.Connection(ConnectionLimited)
	m.Broadcast(3, 1, 2, 10*time.Millisecond)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues(ConnectionAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues(ConnectionLimited)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BroadcastsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues(DeliveryDelivered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues(DeliveryFailed)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues(DeliverySkipped)))
}

func TestStorageMetrics(t *testing.T) {
	m := NewStorageMetrics(prometheus.NewRegistry())

	m.Query("count", time.Millisecond, nil)
	m.Query("insert", time.Millisecond, errors.New("boom"))
	m.BreakerState("redis", "open", 2)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.DBErrorsTotal.WithLabelValues("count")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DBErrorsTotal.WithLabelValues("insert")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("redis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerChanges.WithLabelValues("redis", "open")))
}

func TestHTTPMetrics_Middleware(t *testing.T) {
	m := NewHTTPMetrics(prometheus.NewRegistry())
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/stats", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	for _, path := range []string{"/api/stats", "/api/stats", "/health/live"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/api/stats", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/health/live", "200")))
}

func TestSkipPath(t *testing.T) {
	assert.True(t, skipPath("/metrics"))
	assert.True(t, skipPath("/health/ready"))
	assert.True(t, skipPath("/ws"))
	assert.True(t, skipPath("/ws/:sid"))
	assert.False(t, skipPath("/webSocket/webSocket"))
	assert.False(t, skipPath("/wsx"))
}
