package httpserver

import (
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/wspush/internal/adapter/metrics"
	"github.com/pscheid92/wspush/internal/platform/correlation"
	apperrors "github.com/pscheid92/wspush/internal/platform/errors"
)

func (s *Server) registerRoutes(deps Deps) {
	s.echo.Use(correlation.Middleware())
	s.echo.Use(requestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	if deps.HTTPMetrics != nil {
		s.echo.Use(deps.HTTPMetrics.Middleware())
	}
	s.echo.Use(apperrors.Middleware(deps.HTTPMetrics))
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         63072000, // 2 years; only sent over HTTPS
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))

	s.registerHealthRoutes()
	s.registerTriggerRoutes()
	s.registerAPIRoutes()

	if deps.MetricsRegistry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(deps.MetricsRegistry)))
	}
	if deps.WebSocket != nil {
		deps.WebSocket.Register(s.echo)
	}
}

func requestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			p := c.Path()
			return p == "/metrics" || strings.HasPrefix(p, "/health/")
		},
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}
