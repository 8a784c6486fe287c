// Package main provides the ingestion service process: the HTTP API, the
// queue-draining worker, and the retention sweep all run from this one
// binary, wired together and shut down in the order §4.6 requires (stop
// accepting requests, drain in-flight, stop the worker, close the store
// and queue).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weather-mcp/analytics-server/internal/aggregator"
	"github.com/weather-mcp/analytics-server/internal/api"
	"github.com/weather-mcp/analytics-server/internal/api/middleware"
	"github.com/weather-mcp/analytics-server/internal/config"
	"github.com/weather-mcp/analytics-server/internal/queue"
	"github.com/weather-mcp/analytics-server/internal/stats"
	"github.com/weather-mcp/analytics-server/internal/storage"
	"github.com/weather-mcp/analytics-server/internal/worker"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "ingestord"
)

const (
	defaultQueueMaxSize  = 100_000
	defaultStatsCacheTTL = 300 * time.Second
	defaultRetentionTick = 24 * time.Hour
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if err := run(); err != nil {
		log.Fatalf("%s: %v", name, err)
	}
}

func run() error {
	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("starting ingestion service",
		slog.String("service", name),
		slog.String("version", version),
	)

	storageConfig := storage.LoadConfig()
	if err := storageConfig.Validate(); err != nil {
		return fmt.Errorf("invalid storage configuration: %w", err)
	}

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	redisURL := config.GetEnvStr("REDIS_URL", "redis://localhost:6379/0")

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}

	redisClient := redis.NewClient(opt)

	q := queue.New(redisClient, config.GetEnvInt("INGESTOR_QUEUE_MAX_SIZE", defaultQueueMaxSize))

	rawStore := storage.NewRawStore(conn)
	agg := aggregator.New(conn)

	workerCfg := worker.Config{
		PollInterval:  config.GetEnvDuration("INGESTOR_WORKER_POLL_INTERVAL", time.Second),
		BatchSize:     config.GetEnvInt("INGESTOR_WORKER_BATCH_SIZE", 50),
		ShutdownGrace: config.GetEnvDuration("INGESTOR_WORKER_SHUTDOWN_GRACE", worker.DefaultShutdownGrace),
	}
	w := worker.New(q, rawStore, agg, workerCfg, logger)

	statsCache := stats.NewCache(redisClient, config.GetEnvDuration("INGESTOR_STATS_CACHE_TTL", defaultStatsCacheTTL), logger)
	statsService := stats.NewService(conn, statsCache)

	rateLimiter := middleware.NewRedisRateLimiter(redisClient, middleware.LoadRateLimitConfig())

	server := api.NewServer(&serverConfig, q, conn, statsService, rateLimiter)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go w.Run(ctx)
	go runRetentionSweep(ctx, conn, storageConfig.Retention, logger)

	serveErr := server.Start(ctx)

	// Start returns as soon as ctx is cancelled (normal shutdown) or the
	// listener fails outright; either way cancel ctx so the worker and
	// retention loops, which watch the same context, unwind too.
	stop()

	logger.Info("stopping worker")
	w.Stop()

	if err := q.Close(); err != nil {
		logger.Error("failed to close queue", slog.String("error", err.Error()))
	}

	if err := conn.Close(); err != nil {
		logger.Error("failed to close database connection", slog.String("error", err.Error()))
	}

	logger.Info("ingestion service stopped")

	return serveErr
}

// runRetentionSweep deletes rows outside each relation's retention window on
// a fixed interval (§6.5); it is a housekeeping loop, not part of any
// request path, so a single failed sweep is logged and retried next tick.
func runRetentionSweep(ctx context.Context, conn *storage.Connection, retention storage.RetentionConfig, logger *slog.Logger) {
	ticker := time.NewTicker(config.GetEnvDuration("INGESTOR_RETENTION_SWEEP_INTERVAL", defaultRetentionTick))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := storage.SweepRetention(ctx, conn, retention); err != nil {
				logger.Error("retention sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
