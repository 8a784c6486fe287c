// Package api provides the HTTP API server implementation for the ingestion service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/weather-mcp/analytics-server/internal/api/middleware"
	"github.com/weather-mcp/analytics-server/internal/events"
	"github.com/weather-mcp/analytics-server/internal/queue"
	"github.com/weather-mcp/analytics-server/internal/stats"
	"github.com/weather-mcp/analytics-server/internal/storage"
)

// Server represents the HTTP API server. It owns no worker lifecycle: the
// worker is started and stopped independently by cmd/ingestord so the
// shutdown sequence in §4.6 (stop accepting → drain in-flight → stop worker
// → close store/queue) can be orchestrated at the process level.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	config     *ServerConfig
	startTime  time.Time

	validator *events.Validator
	queue     *queue.Queue
	conn      *storage.Connection
	stats     *stats.Service

	ready atomic.Bool
}

// NewServer creates a new HTTP server instance with structured logging and
// middleware stack.
//
// Dependencies are injected explicitly rather than being part of
// ServerConfig. This follows the dependency injection pattern where
// configuration (what) is separated from dependencies (how).
func NewServer(
	cfg *ServerConfig,
	q *queue.Queue,
	conn *storage.Connection,
	statsService *stats.Service,
	rateLimiter middleware.RateLimiter,
) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	if q == nil || conn == nil || statsService == nil {
		logger.Error("queue, database connection and stats service are required to start the server")
		panic("api: queue, connection and stats service must not be nil")
	}

	mux := http.NewServeMux()

	server := &Server{
		logger:    logger,
		config:    cfg,
		validator: events.NewValidator(),
		queue:     q,
		conn:      conn,
		stats:     statsService,
	}

	server.setupRoutes(mux)

	if rateLimiter != nil {
		logger.Info("rate limiting middleware enabled")
	} else {
		logger.Warn("rate limiter not configured - rate limiting middleware disabled")
	}

	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - tag every request/response with a server-generated ID
	//   2. Recovery      - catch panics in all downstream middleware
	//   3. RateLimit      - block abusive clients before expensive work (optional)
	//   4. RequestLogger  - log only legitimate requests (not rate-limited spam)
	//   5. CORS           - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRateLimit(rateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	server.httpServer = httpServer

	return server
}

// Start starts the HTTP server and blocks until ctx is cancelled. Readiness
// is set once the store health check passes, matching §4.6's definition:
// ready iff store health passed at startup.
func (s *Server) Start(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.conn.HealthCheck(healthCtx); err != nil {
		s.logger.Error("startup health check failed, starting not-ready", slog.String("error", err.Error()))
	} else {
		s.ready.Store(true)
	}

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting ingestion API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		return s.shutdown()
	}
}

// shutdown stops accepting new requests and waits for in-flight ones to
// finish; it does not close the queue or database connection, which are
// owned by cmd/ingestord and closed after the worker has also stopped (§4.6).
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.ready.Store(false)

	s.logger.Info("stopping the HTTP server", slog.Duration("shutdown_timeout", s.config.ShutdownTimeout))

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown failed", slog.String("error", err.Error()))

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("HTTP server stopped accepting requests")

	return nil
}
