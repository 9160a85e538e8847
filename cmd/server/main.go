package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/wspush/internal/adapter/httpserver"
	"github.com/pscheid92/wspush/internal/adapter/metrics"
	"github.com/pscheid92/wspush/internal/adapter/postgres"
	"github.com/pscheid92/wspush/internal/adapter/redis"
	"github.com/pscheid92/wspush/internal/adapter/websocket"
	"github.com/pscheid92/wspush/internal/app"
	"github.com/pscheid92/wspush/internal/broadcast"
	"github.com/pscheid92/wspush/internal/platform/config"
	"github.com/pscheid92/wspush/internal/platform/logging"
	"github.com/pscheid92/wspush/internal/platform/retry"
	"github.com/pscheid92/wspush/internal/platform/version"
	goredis "github.com/redis/go-redis/v9"
)

const (
	connectTimeout   = 60 * time.Second
	shutdownTimeout  = 10 * time.Second
	insertLeaderKey  = "wspush:insert:leader"
	insertLeaderTTL  = 30 * time.Second
	apiRatePerSecond = 5
	apiBurst         = 10
)

type appMetrics struct {
	registry  *prometheus.Registry
	websocket *metrics.WebSocketMetrics
	storage   *metrics.StorageMetrics
	jobs      *metrics.JobMetrics
	http      *metrics.HTTPMetrics
}

func setupMetrics() appMetrics {
	reg := metrics.NewRegistry()
	return appMetrics{
		registry:  reg,
		websocket: metrics.NewWebSocketMetrics(reg),
		storage:   metrics.NewStorageMetrics(reg),
		jobs:      metrics.NewJobMetrics(reg),
		http:      metrics.NewHTTPMetrics(reg),
	}
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func connectPolicy(clock clockwork.Clock, dependency string) retry.Policy {
	return retry.Policy{
		MaxAttempts:    8,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Clock:          clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Dependency not reachable, retrying", "dependency", dependency, "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
}

func setupDB(clock clockwork.Clock, cfg *config.Config, m *metrics.StorageMetrics) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	pool, err := retry.Do(ctx, connectPolicy(clock, "postgres"), nil, func(ctx context.Context) (*pgxpool.Pool, error) {
		return postgres.Connect(ctx, cfg.DatabaseURL, m)
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(clock clockwork.Clock, cfg *config.Config, m *metrics.StorageMetrics) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	client, err := retry.Do(ctx, connectPolicy(clock, "redis"), nil, func(ctx context.Context) (*goredis.Client, error) {
		return redis.NewClient(ctx, cfg.RedisURL, m)
	})
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupScheduler(clock clockwork.Clock, cfg *config.Config, m appMetrics, repo *postgres.MealRecordRepo, dispatcher *broadcast.Dispatcher, cache *redis.Cache, leader *redis.LeaderElector) *app.Scheduler {
	scheduler := app.NewScheduler(clock, m.jobs)

	countJob := app.NewCountJob(repo, dispatcher, cache, cfg.CountMessagePrefix, m.storage)
	scheduler.Add(countJob.Job(cfg.CountInterval))

	if cfg.InsertEnabled {
		insertJob := app.NewInsertJob(repo, leader, cache, clock, app.InsertConfig{
			MerchantCode:      cfg.MerchantCode,
			StoreID:           cfg.StoreID,
			ChildMerchantCode: cfg.ChildMerchantCode,
			RecordUser:        cfg.RecordUser,
		})
		scheduler.Add(insertJob.Job(cfg.InsertInterval))
	} else {
		slog.Info("Insert job disabled")
	}

	return scheduler
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "version", version.Get().String(), "env", cfg.AppEnv, "port", cfg.Port)

	m := setupMetrics()

	pool := setupDB(clock, cfg, m.storage)
	defer pool.Close()

	redisClient := setupRedis(clock, cfg, m.storage)
	defer func() { _ = redisClient.Close() }()

	rootCache := redis.NewCache(redisClient, clock, m.storage)
	defer func() { _ = rootCache.Close() }()
	cache := rootCache.DB(cfg.CacheDB)

	instanceID := uuid.NewString()
	leader := redis.NewLeaderElector(redisClient, insertLeaderKey, instanceID, insertLeaderTTL)

	policy, err := broadcast.ParseDuplicatePolicy(cfg.DuplicateSessionPolicy)
	if err != nil {
		slog.Error("Invalid duplicate session policy", "error", err)
		os.Exit(1)
	}

	registry := broadcast.NewRegistry(m.websocket)
	lifecycle := broadcast.NewLifecycle(registry, clock, broadcast.LifecycleConfig{
		DuplicatePolicy: policy,
		PingInterval:    cfg.PingInterval,
		PongTimeout:     cfg.PongTimeout,
		IdleTimeout:     cfg.IdleTimeout,
		WriteTimeout:    cfg.SendTimeout,
	}, m.websocket)
	dispatcher := broadcast.NewDispatcher(registry, clock, broadcast.DispatcherConfig{
		SendTimeout:        cfg.SendTimeout,
		MaxConcurrentSends: cfg.MaxConcurrentSends,
	}, m.websocket)

	repo := postgres.NewMealRecordRepo(pool)

	limits := websocket.NewConnectionLimits(websocket.LimitsConfig{
		MaxConnections:      int64(cfg.MaxWebSocketConnections),
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		ConnectionsPerSec:   cfg.ConnectionRate,
		Burst:               cfg.ConnectionBurst,
	}, clock)
	wsHandler := websocket.NewHandler(lifecycle, limits, websocket.NewCheckOrigin(cfg.AllowedOrigins, !cfg.IsProduction()), m.websocket)

	srv := httpserver.NewServer(httpserver.Config{
		Port:           cfg.Port,
		TriggerMessage: cfg.TriggerMessage,
		APIRate:        apiRatePerSecond,
		APIBurst:       apiBurst,
	}, httpserver.Deps{
		Dispatcher: dispatcher,
		Sessions:   registry,
		Stats:      cache,
		WebSocket:  wsHandler,
		HealthChecks: []httpserver.HealthCheck{
			{Name: "redis", Check: cache.Ping},
			{Name: "postgres", Check: pool.Ping},
		},
		MetricsRegistry: m.registry,
		HTTPMetrics:     m.http,
		Clock:           clock,
	})

	schedCtx, stopScheduler := context.WithCancel(context.Background())
	scheduler := setupScheduler(clock, cfg, m, repo, dispatcher, cache, leader)
	schedDone := make(chan struct{})
	go func() {
		scheduler.Run(schedCtx)
		close(schedDone)
	}()

	done := make(chan struct{})
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		stopScheduler()
		<-schedDone

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		drain(shutdownCtx, srv, lifecycle)

		if err := leader.Release(shutdownCtx); err != nil {
			slog.Warn("Failed to release leader lock", "error", err)
		}

		close(done)
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}

type httpShutdowner interface {
	Shutdown(ctx context.Context) error
}

type sessionCloser interface {
	Shutdown(ctx context.Context)
}

// drain stops the listener before closing sessions so no new upgrade lands
// after the final snapshot.
func drain(ctx context.Context, srv httpShutdowner, sessions sessionCloser) {
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}
	sessions.Shutdown(ctx)
}
