package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pscheid92/wspush/internal/adapter/metrics"
	"github.com/pscheid92/wspush/internal/broadcast"
	"github.com/sony/gobreaker"
)

// LastCountKey holds the most recent count broadcast by CountJob.
const LastCountKey = "wspush:last_count"

const (
	breakerComponent   = "postgres"
	breakerTripAfter   = 3
	breakerOpenTimeout = 30 * time.Second
)

type Counter interface {
	Count(ctx context.Context) (int64, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, payload string) broadcast.DeliveryReport
}

// CountStore receives the last broadcast count. Failures are logged only.
type CountStore interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// CountJob broadcasts prefix+count of stored records to every session.
type CountJob struct {
	counter     Counter
	broadcaster Broadcaster
	store       CountStore
	prefix      string
	breaker     *gobreaker.CircuitBreaker
}

// NewCountJob wires the count query through a circuit breaker so a failing
// database makes ticks skip until the breaker half-opens. store and m may be
// nil.
func NewCountJob(counter Counter, broadcaster Broadcaster, store CountStore, prefix string, m *metrics.StorageMetrics) *CountJob {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "count-query",
		Timeout: breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			m.BreakerState(breakerComponent, to.String(), breakerStateValue(to))
		},
	})

	return &CountJob{
		counter:     counter,
		broadcaster: broadcaster,
		store:       store,
		prefix:      prefix,
		breaker:     breaker,
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Payload formats the message broadcast for count n.
func (j *CountJob) Payload(n int64) string {
	return j.prefix + strconv.FormatInt(n, 10)
}

func (j *CountJob) Run(ctx context.Context) error {
	res, err := j.breaker.Execute(func() (any, error) {
		return j.counter.Count(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrSkipped, err)
	}
	if err != nil {
		return err
	}

	n := res.(int64)
	report := j.broadcaster.Broadcast(ctx, j.Payload(n))

	if j.store != nil {
		if err := j.store.Set(ctx, LastCountKey, n, 0); err != nil {
			slog.WarnContext(ctx, "Failed to cache last count", "error", err)
		}
	}

	slog.DebugContext(ctx, "Count broadcast", "count", n, "delivered", report.Delivered, "failed", report.Failed)
	return nil
}

// Job returns the scheduler entry for this job.
func (j *CountJob) Job(interval time.Duration) Job {
	return Job{Name: "count", Interval: interval, Run: j.Run}
}
