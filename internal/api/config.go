// Package api provides the HTTP API server implementation for the ingestion service.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/weather-mcp/analytics-server/internal/config"
)

const (
	// DefaultPort is the default HTTP server port.
	DefaultPort = 8080
	// MaxPort is the maximum valid port number.
	MaxPort = 65535
	// DefaultHost is the default server host.
	DefaultHost = "0.0.0.0"
	// DefaultTimeout is the default timeout for HTTP operations.
	DefaultTimeout = 30 * time.Second
	// DefaultLogLevel is the default log level.
	DefaultLogLevel = slog.LevelInfo
	// DefaultCORSMaxAge is the default CORS max age (24 hours).
	DefaultCORSMaxAge = 86400
	// DefaultBodyLimitBytes caps the ingestion request body (§6.6, 100KB).
	DefaultBodyLimitBytes = 100 * 1024
	// DefaultMaxBatchSize caps the number of events accepted per request (§4.1).
	DefaultMaxBatchSize = 100
)

// Static validation errors.
var (
	ErrInvalidPort            = errors.New("invalid port")
	ErrEmptyHost              = errors.New("host cannot be empty")
	ErrInvalidReadTimeout     = errors.New("read timeout must be positive")
	ErrInvalidWriteTimeout    = errors.New("write timeout must be positive")
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")
)

// ServerConfig holds HTTP server configuration. It carries no references to
// stores or clients: those are wired separately through NewServer so this
// type stays plain data, loadable and comparable without side effects.
type ServerConfig struct {
	Port               int
	Host               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	LogLevel           slog.Level
	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
	CORSMaxAge         int
	BodyLimitBytes     int64
	MaxBatchSize       int
}

// LoadServerConfig loads server configuration from INGESTOR_* environment
// variables with sensible defaults.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Port:               config.GetEnvInt("INGESTOR_PORT", DefaultPort),
		Host:               config.GetEnvStr("INGESTOR_HOST", DefaultHost),
		ReadTimeout:        config.GetEnvDuration("INGESTOR_READ_TIMEOUT", DefaultTimeout),
		WriteTimeout:       config.GetEnvDuration("INGESTOR_WRITE_TIMEOUT", DefaultTimeout),
		ShutdownTimeout:    config.GetEnvDuration("INGESTOR_SHUTDOWN_TIMEOUT", DefaultTimeout),
		LogLevel:           config.GetEnvLogLevel("INGESTOR_LOG_LEVEL", DefaultLogLevel),
		CORSAllowedOrigins: config.ParseCommaSeparatedList(config.GetEnvStr("INGESTOR_CORS_ORIGIN", "*")),
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("INGESTOR_CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"),
		),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr("INGESTOR_CORS_ALLOWED_HEADERS", "Content-Type,X-Correlation-ID"),
		),
		CORSMaxAge:     config.GetEnvInt("INGESTOR_CORS_MAX_AGE", DefaultCORSMaxAge),
		BodyLimitBytes: config.GetEnvInt64("INGESTOR_BODY_LIMIT_BYTES", DefaultBodyLimitBytes),
		MaxBatchSize:   config.GetEnvInt("INGESTOR_MAX_BATCH_SIZE", DefaultMaxBatchSize),
	}
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCORSConfig converts ServerConfig CORS fields to middleware.CORSConfig.
func (c ServerConfig) ToCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// CORSConfig holds CORS configuration options.
// This is defined here to keep CORS configuration centralized.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

// GetAllowedOrigins returns the allowed origins for CORS.
func (c CORSConfig) GetAllowedOrigins() []string {
	return c.AllowedOrigins
}

// GetAllowedMethods returns the allowed methods for CORS.
func (c CORSConfig) GetAllowedMethods() []string {
	return c.AllowedMethods
}

// GetAllowedHeaders returns the allowed headers for CORS.
func (c CORSConfig) GetAllowedHeaders() []string {
	return c.AllowedHeaders
}

// GetMaxAge returns the max age for CORS preflight cache.
func (c CORSConfig) GetMaxAge() int {
	return c.MaxAge
}

// Validate validates the server configuration.
func (c ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > MaxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, MaxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	}

	return nil
}
