package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/wspush/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// CircuitBreakerHook fails Redis calls fast while Redis is down. While the
// breaker is open, GET is answered from the last value seen for the key if it
// is recent enough; every other command fails with circuitbreaker.ErrOpen.
type CircuitBreakerHook struct {
	cb    circuitbreaker.CircuitBreaker[any]
	stale *staleReads
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

const staleReadTTL = time.Minute

type staleReads struct {
	mu     sync.RWMutex
	values map[string]staleValue
}

type staleValue struct {
	data string
	at   time.Time
}

// NewCircuitBreakerHook opens after 3 failures out of the last 5 calls, waits
// 30s before probing and closes again on the first successful probe.
func NewCircuitBreakerHook(m *metrics.StorageMetrics) *CircuitBreakerHook {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(3, 5).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "redis",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			m.BreakerState("redis", e.NewState.String(), stateToFloat(e.NewState))
		}).
		Build()

	return &CircuitBreakerHook{
		cb:    cb,
		stale: &staleReads{values: make(map[string]staleValue)},
	}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !h.cb.TryAcquirePermit() {
			return nil, fmt.Errorf("redis dial rejected: %w", circuitbreaker.ErrOpen)
		}
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.cb.RecordError(err)
			return nil, err
		}
		h.cb.RecordSuccess()
		return conn, nil
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return h.fallback(cmd)
		}

		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, goredis.Nil) {
			h.cb.RecordError(err)
			return err
		}
		h.cb.RecordSuccess()
		h.remember(cmd)
		return err
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return fmt.Errorf("redis pipeline rejected: %w", circuitbreaker.ErrOpen)
		}

		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, goredis.Nil) {
			h.cb.RecordError(err)
			return err
		}
		h.cb.RecordSuccess()
		return err
	}
}

func (h *CircuitBreakerHook) fallback(cmd goredis.Cmder) error {
	if c, ok := cmd.(*goredis.StringCmd); ok && cmd.Name() == "get" {
		if v, ok := h.lookup(cmd); ok {
			slog.Debug("Circuit breaker open, serving stale read", "args", cmd.Args())
			c.SetVal(v)
			return nil
		}
	}
	err := fmt.Errorf("redis %s rejected: %w", cmd.Name(), circuitbreaker.ErrOpen)
	cmd.SetErr(err)
	return err
}

func (h *CircuitBreakerHook) remember(cmd goredis.Cmder) {
	c, ok := cmd.(*goredis.StringCmd)
	if !ok || cmd.Name() != "get" || len(cmd.Args()) < 2 {
		return
	}
	v, err := c.Result()
	if err != nil {
		return
	}

	h.stale.mu.Lock()
	h.stale.values[fmt.Sprint(cmd.Args()[1])] = staleValue{data: v, at: time.Now()}
	h.stale.mu.Unlock()
}

func (h *CircuitBreakerHook) lookup(cmd goredis.Cmder) (string, bool) {
	if len(cmd.Args()) < 2 {
		return "", false
	}

	h.stale.mu.RLock()
	defer h.stale.mu.RUnlock()
	v, ok := h.stale.values[fmt.Sprint(cmd.Args()[1])]
	if !ok || time.Since(v.at) > staleReadTTL {
		return "", false
	}
	return v.data, true
}

// State reports the breaker state for health checks.
func (h *CircuitBreakerHook) State() circuitbreaker.State {
	return h.cb.State()
}
