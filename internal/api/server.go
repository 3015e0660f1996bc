// Package api serves the read-only status endpoints of a running benchmark:
// health, metrics, phase progress and recent logs.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/basekick-labs/arc-bench/internal/logger"
	"github.com/basekick-labs/arc-bench/internal/metrics"
	"github.com/basekick-labs/arc-bench/internal/progress"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// Status reports the state of the workload controller
type Status interface {
	Phase() string
	Progress() (progress.Sample, bool)
}

// Server is the status HTTP server
type Server struct {
	app     *fiber.App
	logger  zerolog.Logger
	addr    string
	status  Status
	metrics *metrics.Metrics
	logs    *logger.LogBuffer
	started time.Time
	info    map[string]string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	EnablePprof     bool

	// Info is returned verbatim by /api/v1/info (driver, version, run id)
	Info map[string]string
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:            "127.0.0.1",
		Port:            8090,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// NewServer creates the status server. A nil m uses the process metrics and
// a nil logs buffer uses the process log buffer.
func NewServer(config *ServerConfig, status Status, m *metrics.Metrics, logs *logger.LogBuffer, log zerolog.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if m == nil {
		m = metrics.Get()
	}
	if logs == nil {
		logs = logger.GetBuffer()
	}
	log = log.With().Str("component", "status-server").Logger()

	app := fiber.New(fiber.Config{
		AppName:               "arc-bench",
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(log),
	})

	app.Use(recover.New())
	if config.EnablePprof {
		app.Use(pprof.New())
	}
	app.Use(requestLogger(log))

	s := &Server{
		app:     app,
		logger:  log,
		addr:    net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		status:  status,
		metrics: m,
		logs:    logs,
		started: time.Now(),
		info:    config.Info,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/metrics", s.metricsHandler)

	v1 := s.app.Group("/api/v1")
	v1.Get("/metrics", s.apiMetricsHandler)
	v1.Get("/progress", s.progressHandler)
	v1.Get("/logs", s.logsHandler)
	v1.Get("/info", s.infoHandler)
}

// App returns the underlying Fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Addr returns the listen address
func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) phase() string {
	if s.status == nil {
		return ""
	}
	return s.status.Phase()
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(s.started)
	phase := s.phase()
	if phase == "" {
		phase = "idle"
	}
	return c.JSON(fiber.Map{
		"status":     "ok",
		"phase":      phase,
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime_sec": uptime.Seconds(),
	})
}

// metricsHandler returns Prometheus text unless JSON is requested
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	if c.Get(fiber.HeaderAccept) == fiber.MIMEApplicationJSON {
		return c.JSON(s.metrics.Snapshot())
	}
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
	return c.SendString(s.metrics.PrometheusFormat())
}

func (s *Server) apiMetricsHandler(c *fiber.Ctx) error {
	snapshot := s.metrics.Snapshot()
	snapshot["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return c.JSON(snapshot)
}

func (s *Server) progressHandler(c *fiber.Ctx) error {
	resp := fiber.Map{
		"phase":   s.phase(),
		"running": s.phase() != "",
	}
	if s.status != nil {
		if sample, ok := s.status.Progress(); ok {
			resp["sample"] = sample
		}
	}
	return c.JSON(resp)
}

func (s *Server) logsHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	if limit < 1 || limit > 1000 {
		return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and 1000")
	}

	minLevel := zerolog.TraceLevel
	if lvl := c.Query("level"); lvl != "" {
		parsed, err := zerolog.ParseLevel(lvl)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid level %q", lvl))
		}
		minLevel = parsed
	}

	sinceMinutes := c.QueryInt("since_minutes", 60)
	if sinceMinutes < 0 || sinceMinutes > 1440 {
		return fiber.NewError(fiber.StatusBadRequest, "since_minutes must be between 0 and 1440")
	}

	entries := s.logs.Recent(limit, minLevel, time.Duration(sinceMinutes)*time.Minute)
	return c.JSON(fiber.Map{
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"count":         len(entries),
		"limit":         limit,
		"since_minutes": sinceMinutes,
		"logs":          entries,
	})
}

func (s *Server) infoHandler(c *fiber.Ctx) error {
	info := s.info
	if info == nil {
		info = map[string]string{}
	}
	return c.JSON(info)
}

// Start listens in the background. Listen failures are logged; the
// benchmark keeps running without its status endpoints.
func (s *Server) Start() {
	s.logger.Info().Str("addr", s.addr).Msg("Starting status server")
	go func() {
		if err := s.app.Listen(s.addr); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error().Err(err).Msg("Status server stopped")
		}
	}()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("status server shutdown failed: %w", err)
	}
	s.logger.Debug().Msg("Status server stopped")
	return nil
}

func customErrorHandler(log zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var e *fiber.Error
		if errors.As(err, &e) {
			code = e.Code
		}
		if code >= fiber.StatusInternalServerError {
			log.Error().Err(err).Str("path", c.Path()).Msg("Request error")
		}
		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}

// requestLogger logs failed requests only
func requestLogger(log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil || status >= fiber.StatusBadRequest {
			log.Warn().
				Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Msg("HTTP request error")
		}
		return err
	}
}
