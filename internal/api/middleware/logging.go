// Package middleware provides HTTP middleware components for the ingestion API.
package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// RequestLogger creates a middleware that logs HTTP requests with structured logging.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Extract correlation ID from context (will be set by correlation middleware)
			correlationID := GetCorrelationID(r.Context())

			// Create a response writer wrapper to capture status code
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			// Log request start. Client address is never logged, even indirectly
			// through the User-Agent's forwarding chain (privacy invariant).
			logger.Info("HTTP request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("correlation_id", correlationID),
			)

			// Process request
			next.ServeHTTP(rw, r)

			// Calculate duration
			duration := time.Since(start)

			// Log request completion
			logger.Info("HTTP request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", rw.statusCode),
				slog.Duration("duration", duration),
				slog.String("correlation_id", correlationID),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter

	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
