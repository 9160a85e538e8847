package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/wspush/internal/broadcast"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	payloads []string
	report   broadcast.DeliveryReport
}

func (f *fakeDispatcher) Broadcast(_ context.Context, payload string) broadcast.DeliveryReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return f.report
}

func (f *fakeDispatcher) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.payloads...)
}

type fakeCounts struct {
	value int64
	found bool
	err   error
}

func (f *fakeCounts) Get(_ context.Context, _ string, dst any) (bool, error) {
	if f.err != nil || !f.found {
		return false, f.err
	}
	*(dst.(*int64)) = f.value
	return true, nil
}

// nopConn accepts every write.
type nopConn struct{}

func (nopConn) WriteMessage(int, []byte) error { return nil }
func (nopConn) SetWriteDeadline(time.Time) error { return nil }
func (nopConn) SetReadDeadline(time.Time) error { return nil }
func (nopConn) SetPongHandler(func(string) error) {}
func (nopConn) Close() error { return nil }

type testEnv struct {
	server     *Server
	dispatcher *fakeDispatcher
	registry   *broadcast.Registry
	lifecycle  *broadcast.Lifecycle
	clock      *clockwork.FakeClock
}

type testOption func(*Config, *Deps)

func withHealthChecks(checks ...HealthCheck) testOption {
	return func(_ *Config, d *Deps) { d.HealthChecks = checks }
}

func withStats(s countReader) testOption {
	return func(_ *Config, d *Deps) { d.Stats = s }
}

func withAPILimit(rate float64, burst int) testOption {
	return func(c *Config, _ *Deps) {
		c.APIRate = rate
		c.APIBurst = burst
	}
}

func newTestEnv(t *testing.T, opts ...testOption) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClock()
	registry := broadcast.NewRegistry(nil)
	lifecycle := broadcast.NewLifecycle(registry, clock, broadcast.DefaultLifecycleConfig(), nil)
	t.Cleanup(func() { lifecycle.Shutdown(context.Background()) })

	dispatcher := &fakeDispatcher{}
	cfg := Config{Port: "0", TriggerMessage: "111111111111111111", APIRate: 100, APIBurst: 100}
	deps := Deps{
		Dispatcher: dispatcher,
		Sessions:   registry,
		Clock:      clock,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	return &testEnv{
		server:     NewServer(cfg, deps),
		dispatcher: dispatcher,
		registry:   registry,
		lifecycle:  lifecycle,
		clock:      clock,
	}
}

func (env *testEnv) openSession(t *testing.T, id, remoteAddr string) {
	t.Helper()
	_, err := env.lifecycle.Open(context.Background(), broadcast.OpenRequest{ID: id, Conn: nopConn{}, RemoteAddr: remoteAddr})
	require.NoError(t, err)
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func healthOK(_ context.Context) error { return nil }

func healthErr(msg string) func(context.Context) error {
	return func(_ context.Context) error { return errors.New(msg) }
}
