package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/wspush/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConnRefused = errors.New("connection refused")

func TestMetricsHook_CountsCommands(t *testing.T) {
	m := metrics.NewStorageMetrics(prometheus.NewRegistry())
	hook := NewMetricsHook(m)
	ctx := context.Background()

	ok := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return nil })
	miss := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return goredis.Nil })
	fail := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return errConnRefused })

	require.NoError(t, ok(ctx, goredis.NewStringCmd(ctx, "get", "k")))
	require.ErrorIs(t, miss(ctx, goredis.NewStringCmd(ctx, "get", "k")), goredis.Nil)
	require.Error(t, fail(ctx, goredis.NewStringCmd(ctx, "get", "k")))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RedisOpsTotal.WithLabelValues("get", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RedisOpsTotal.WithLabelValues("get", "error")))
}

func TestCircuitBreakerHook_OpensAfterFailures(t *testing.T) {
	m := metrics.NewStorageMetrics(prometheus.NewRegistry())
	hook := NewCircuitBreakerHook(m)
	ctx := context.Background()
	failing := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return errConnRefused })

	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
	for range 5 {
		_ = failing(ctx, goredis.NewStatusCmd(ctx, "set", "k", "v"))
	}

	assert.Equal(t, circuitbreaker.OpenState, hook.State())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("redis")))

	err := failing(ctx, goredis.NewStatusCmd(ctx, "set", "k", "v"))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestCircuitBreakerHook_NilIsNotAFailure(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)
	ctx := context.Background()
	miss := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return goredis.Nil })

	for range 10 {
		_ = miss(ctx, goredis.NewStringCmd(ctx, "get", "k"))
	}
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_ServesStaleGetWhileOpen(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)
	ctx := context.Background()

	healthy := hook.ProcessHook(func(_ context.Context, cmd goredis.Cmder) error {
		cmd.(*goredis.StringCmd).SetVal("42")
		return nil
	})
	require.NoError(t, healthy(ctx, goredis.NewStringCmd(ctx, "get", "wspush:last_count")))

	failing := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return errConnRefused })
	for range 5 {
		_ = failing(ctx, goredis.NewStatusCmd(ctx, "set", "k", "v"))
	}
	require.Equal(t, circuitbreaker.OpenState, hook.State())

	cmd := goredis.NewStringCmd(ctx, "get", "wspush:last_count")
	require.NoError(t, failing(ctx, cmd))
	assert.Equal(t, "42", cmd.Val())

	unknown := goredis.NewStringCmd(ctx, "get", "other")
	assert.ErrorIs(t, failing(ctx, unknown), circuitbreaker.ErrOpen)
}
