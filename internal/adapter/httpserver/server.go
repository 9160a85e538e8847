package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/wspush/internal/adapter/metrics"
	"github.com/pscheid92/wspush/internal/broadcast"
)

type broadcaster interface {
	Broadcast(ctx context.Context, payload string) broadcast.DeliveryReport
}

type sessionLister interface {
	Snapshot() []*broadcast.Session
	Size() int
}

// countReader reads the last count published by the count job.
type countReader interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
}

// routeRegistrar mounts routes owned by another adapter, like the WebSocket
// upgrade handler.
type routeRegistrar interface {
	Register(e *echo.Echo)
}

type Config struct {
	Port           string
	TriggerMessage string
	// APIRate and APIBurst bound POST /api/broadcast per client IP.
	APIRate  float64
	APIBurst int
}

// Deps are the collaborators the server calls into. Stats, WebSocket,
// MetricsRegistry and HTTPMetrics may be nil.
type Deps struct {
	Dispatcher      broadcaster
	Sessions        sessionLister
	Stats           countReader
	WebSocket       routeRegistrar
	HealthChecks    []HealthCheck
	MetricsRegistry *prometheus.Registry
	HTTPMetrics     *metrics.HTTPMetrics
	Clock           clockwork.Clock
}

type Server struct {
	echo   *echo.Echo
	config Config

	dispatcher   broadcaster
	sessions     sessionLister
	stats        countReader
	healthChecks []HealthCheck
	clock        clockwork.Clock
	startTime    time.Time
}

func NewServer(cfg Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	srv := &Server{
		echo:         e,
		config:       cfg,
		dispatcher:   deps.Dispatcher,
		sessions:     deps.Sessions,
		stats:        deps.Stats,
		healthChecks: deps.HealthChecks,
		clock:        clock,
		startTime:    clock.Now(),
	}

	srv.registerRoutes(deps)

	return srv
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
