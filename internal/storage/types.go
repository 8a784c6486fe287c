// Package storage provides the Postgres connection pool and the raw/aggregate
// persistence used by the event pipeline.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	postgresDriver = "postgres"
	ctxTimeout     = 5 * time.Second
)

// Connection represents a pooled database connection.
type Connection struct {
	*sql.DB
}

// NewConnection returns a new Database Connection.
func NewConnection(config *Config) (*Connection, error) {
	db, err := sql.Open(postgresDriver, config.databaseURL)
	if err != nil {
		return nil, err
	}

	// Configure connection pool with production-ready settings
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	// Perform immediate health check with timeout
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("database health check failed: %w", err)
	}

	return &Connection{db}, nil
}

// HealthCheck checks if the database connection is healthy with timeout.
// This method is used for health checks and monitoring.
func (c *Connection) HealthCheck(ctx context.Context) error { //nolint: contextcheck
	if ctx == nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.Background(), ctxTimeout)

		defer cancel()
	}

	return c.PingContext(ctx)
}

// Close closes the database connection pool gracefully.
// This method is safe to call multiple times.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// Stats returns database connection pool statistics for monitoring.
// Useful for observability and debugging connection pool issues.
func (c *Connection) Stats() sql.DBStats {
	return c.DB.Stats()
}
