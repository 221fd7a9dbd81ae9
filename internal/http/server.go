// Package http serves the routing API: request analysis, graph execution,
// health, metrics and the registry version.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/taskrouter/internal/logging"
	"github.com/fyrsmithlabs/taskrouter/internal/pipeline"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxBodySize bounds request bodies; task graphs are the largest payload.
const maxBodySize = "1M"

// Server provides the HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	pipeline *pipeline.Pipeline
	checks   map[string]HealthChecker
	counts   map[string]Counter
	mcp      http.Handler
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Option configures a Server.
type Option func(*Server)

// WithHealthCheck adds a dependency to GET /health.
func WithHealthCheck(name string, check HealthChecker) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithNamespaceCount reports a namespace's size on GET /health.
func WithNamespaceCount(name string, c Counter) Option {
	return func(s *Server) { s.counts[name] = c }
}

// WithMetrics records request metrics.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.echo.Use(m.MetricsMiddleware()) }
}

// WithMCP mounts an MCP streamable HTTP handler at /mcp.
func WithMCP(h http.Handler) Option {
	return func(s *Server) { s.mcp = h }
}

// NewServer creates a new HTTP server.
func NewServer(p *pipeline.Pipeline, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if p == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewValidator()

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			)
			return nil
		}
	})

	s := &Server{
		echo:     e,
		pipeline: p,
		checks:   map[string]HealthChecker{},
		counts:   map[string]Counter{},
		logger:   logger,
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/registry/version", s.handleRegistryVersion)

	s.echo.POST("/task/analyze", s.handleAnalyze)
	s.echo.POST("/orchestrator/execute", s.handleExecute)

	if s.mcp != nil {
		s.echo.Any("/mcp", echo.WrapHandler(s.mcp))
	}
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// handleAnalyze runs a request through the pipeline. Every expected outcome
// (no capability, denied, confirmation, timeout) is a 200 with the outcome
// in the body.
func (s *Server) handleAnalyze(c echo.Context) error {
	var req pipeline.AnalyzeRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	resp, err := s.pipeline.Analyze(c.Request().Context(), req)
	if err != nil {
		s.logger.Error("analyze failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return c.JSON(http.StatusOK, resp)
}

// handleExecute maps execution refusals to 422 (invalid graph), 403
// (denied) and 409 (confirmation required). The body is the execute
// response in every case.
func (s *Server) handleExecute(c echo.Context) error {
	var req pipeline.ExecuteRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	resp, err := s.pipeline.Execute(c.Request().Context(), req)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, resp)
	case errors.Is(err, pipeline.ErrInvalidGraph):
		return c.JSON(http.StatusUnprocessableEntity, resp)
	case errors.Is(err, pipeline.ErrPolicyDenied):
		return c.JSON(http.StatusForbidden, resp)
	case errors.Is(err, pipeline.ErrConfirmationRequired):
		return c.JSON(http.StatusConflict, resp)
	default:
		s.logger.Error("execute failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleRegistryVersion(c echo.Context) error {
	snap := s.pipeline.Registry.Snapshot()
	return c.JSON(http.StatusOK, RegistryVersionResponse{
		Version:            snap.Version(),
		PublishedAt:        snap.CreatedAt(),
		ActiveIntents:      len(snap.ActiveIntents()),
		ActiveCapabilities: len(snap.ActiveCapabilities()),
	})
}

// handleHealth reports ok when every dependency check passes, degraded
// (503) otherwise.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:          "ok",
		Services:        make(map[string]string, len(s.checks)),
		RegistryVersion: s.pipeline.Registry.Version(),
		Namespaces:      CountNamespaces(ctx, s.counts),
	}
	for name, check := range s.checks {
		if err := check.Health(ctx); err != nil {
			resp.Status = "degraded"
			resp.Services[name] = err.Error()
			continue
		}
		resp.Services[name] = "ok"
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(req); err != nil {
		return err
	}
	return nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
