package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pscheid92/wspush/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// NewClient parses redisURL, installs the metrics and circuit breaker hooks
// and pings the server. m may be nil.
func NewClient(ctx context.Context, redisURL string, m *metrics.StorageMetrics) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	for _, h := range Hooks(m) {
		rdb.AddHook(h)
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	slog.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return rdb, nil
}

// Hooks returns the hook chain installed on every client, metrics first so
// breaker rejections are counted too.
func Hooks(m *metrics.StorageMetrics) []goredis.Hook {
	return []goredis.Hook{
		NewMetricsHook(m),
		NewCircuitBreakerHook(m),
	}
}
