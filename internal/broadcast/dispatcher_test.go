package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/wspush/internal/adapter/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T, r *Registry, cfg DispatcherConfig) *Dispatcher {
	t.Helper()
	return NewDispatcher(r, clockwork.NewRealClock(), cfg, nil)
}

func registerFake(t *testing.T, r *Registry, ids ...string) map[string]*fakeConn {
	t.Helper()
	conns := make(map[string]*fakeConn, len(ids))
	for _, id := range ids {
		s, conn := newTestSession(id)
		require.NoError(t, r.Register(s))
		conns[id] = conn
	}
	return conns
}

func TestDispatcher_NoSessions(t *testing.T) {
	r := NewRegistry(nil)
	d := newTestDispatcher(t, r, DefaultDispatcherConfig())

	report := d.Broadcast(context.Background(), "hello")

	assert.Zero(t, report.Attempted)
	assert.Zero(t, report.Delivered)
	assert.Zero(t, report.Failed)
	assert.Zero(t, report.Skipped)
	assert.Empty(t, report.Outcomes)
}

func TestDispatcher_DeliversExactlyOnce(t *testing.T) {
	r := NewRegistry(nil)
	conns := registerFake(t, r, "u1", "u2")
	d := newTestDispatcher(t, r, DefaultDispatcherConfig())

	report := d.Broadcast(context.Background(), "hello")

	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, []string{"hello"}, conns["u1"].received())
	assert.Equal(t, []string{"hello"}, conns["u2"].received())
	assert.Equal(t, 2, r.Size())
	for _, o := range report.Outcomes {
		assert.NoError(t, o.Err, o.SessionID)
	}
}

func TestDispatcher_FailureIsIsolated(t *testing.T) {
	r := NewRegistry(nil)
	conns := registerFake(t, r, "A", "B", "C")
	conns["B"].failWrites(errBrokenPipe)
	d := newTestDispatcher(t, r, DefaultDispatcherConfig())

	report := d.Broadcast(context.Background(), "payload")

	assert.Equal(t, []string{"payload"}, conns["A"].received())
	assert.Equal(t, []string{"payload"}, conns["C"].received())
	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 3, report.Attempted)

	ids := sessionIDs(r.Snapshot())
	assert.ElementsMatch(t, []string{"A", "C"}, ids)
	assert.True(t, conns["B"].isClosed())
	assert.Empty(t, conns["B"].closeCodes(), "no close frame on a broken transport")

	for _, o := range report.Outcomes {
		if o.SessionID != "B" {
			continue
		}
		var de *DeliveryError
		require.ErrorAs(t, o.Err, &de)
		assert.Equal(t, "B", de.SessionID)
		assert.ErrorIs(t, o.Err, errBrokenPipe)
	}
}

func TestDispatcher_FailedSessionReceivesNothingFurther(t *testing.T) {
	r := NewRegistry(nil)
	conns := registerFake(t, r, "A", "B")
	d := newTestDispatcher(t, r, DefaultDispatcherConfig())

	d.Broadcast(context.Background(), "first")
	conns["B"].failWrites(errBrokenPipe)
	d.Broadcast(context.Background(), "second")
	conns["B"].failWrites(nil)
	report := d.Broadcast(context.Background(), "third")

	assert.Equal(t, []string{"first", "second", "third"}, conns["A"].received())
	assert.Equal(t, []string{"first"}, conns["B"].received())
	assert.Equal(t, 1, report.Attempted)
}

func TestDispatcher_OutOfBandCloseUnregisters(t *testing.T) {
	r := NewRegistry(nil)
	conns := registerFake(t, r, "u1")
	require.NoError(t, conns["u1"].Close())
	d := newTestDispatcher(t, r, DefaultDispatcherConfig())

	report := d.Broadcast(context.Background(), "hello")

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, r.Size())
}

func TestDispatcher_OutOfBandCloseRealConn(t *testing.T) {
	r := NewRegistry(nil)
	serverConn, _ := newTestConnPair(t)
	s := newSession("u1", serverConn, serverConn.RemoteAddr().String(), clockwork.NewRealClock())
	require.NoError(t, r.Register(s))
	d := newTestDispatcher(t, r, DispatcherConfig{SendTimeout: time.Second})

	require.NoError(t, serverConn.NetConn().Close())
	report := d.Broadcast(context.Background(), "hello")

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, r.Size())
	assert.Equal(t, StateClosed, s.State())
}

func TestDispatcher_SkipsSessionsNotOpen(t *testing.T) {
	r := NewRegistry(nil)
	conns := registerFake(t, r, "open", "closing")
	closing, _ := r.Get("closing")
	closing.beginClose()
	d := newTestDispatcher(t, r, DefaultDispatcherConfig())

	report := d.Broadcast(context.Background(), "hello")

	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Attempted)
	assert.Empty(t, conns["closing"].received())
	for _, o := range report.Outcomes {
		if o.SessionID == "closing" {
			assert.ErrorIs(t, o.Err, ErrSessionNotOpen)
		}
	}
}

func TestDispatcher_SlowClientDoesNotStallOthers(t *testing.T) {
	r := NewRegistry(nil)
	conns := registerFake(t, r, "fast", "slow1", "slow2", "slow3")
	for _, id := range []string{"slow1", "slow2", "slow3"} {
		conns[id].stall = true
	}
	d := newTestDispatcher(t, r, DispatcherConfig{SendTimeout: 100 * time.Millisecond, MaxConcurrentSends: 8})

	start := time.Now()
	report := d.Broadcast(context.Background(), "tick")
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second, "stalled sends must run concurrently and time out")
	assert.Equal(t, []string{"tick"}, conns["fast"].received())
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 3, report.Failed)
	assert.Equal(t, []string{"fast"}, sessionIDs(r.Snapshot()))

	for _, o := range report.Outcomes {
		if o.SessionID != "fast" {
			assert.True(t, errors.Is(o.Err, ErrSendTimeout), "outcome for %s: %v", o.SessionID, o.Err)
		}
	}
}

func TestDispatcher_SerializesCalls(t *testing.T) {
	r := NewRegistry(nil)
	conns := registerFake(t, r, "a", "b", "c")
	d := newTestDispatcher(t, r, DispatcherConfig{SendTimeout: time.Second, MaxConcurrentSends: 2})

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Broadcast(context.Background(), fmt.Sprintf("msg-%d", i))
		}()
	}
	wg.Wait()

	first := conns["a"].received()
	require.Len(t, first, 20)
	assert.Equal(t, first, conns["b"].received(), "every session sees calls in the same order")
	assert.Equal(t, first, conns["c"].received())
}

func TestDispatcher_RealConnection(t *testing.T) {
	r := NewRegistry(nil)
	serverConn, clientConn := newTestConnPair(t)
	s := newSession("u1", serverConn, serverConn.RemoteAddr().String(), clockwork.NewRealClock())
	require.NoError(t, r.Register(s))
	d := newTestDispatcher(t, r, DefaultDispatcherConfig())

	report := d.Broadcast(context.Background(), "+++++++++实时推送的消息++++++42")
	require.Equal(t, 1, report.Delivered)

	_ = clientConn.SetReadDeadline(time.Now().Add(time.Second))
	msgType, msg, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, ws.TextMessage, msgType)
	assert.Equal(t, "+++++++++实时推送的消息++++++42", string(msg))
}

func TestDispatcher_RecordsMetrics(t *testing.T) {
	m := metrics.NewWebSocketMetrics(prometheus.NewRegistry())
	r := NewRegistry(m)
	conns := registerFake(t, r, "ok", "bad")
	conns["bad"].failWrites(errBrokenPipe)
	d := NewDispatcher(r, clockwork.NewRealClock(), DefaultDispatcherConfig(), m)

	d.Broadcast(context.Background(), "x")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BroadcastsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues(metrics.DeliveryDelivered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues(metrics.DeliveryFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DisconnectsTotal.WithLabelValues(causeDelivery)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
}
