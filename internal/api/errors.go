// Package api provides the HTTP API server implementation for the ingestion service.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/weather-mcp/analytics-server/internal/api/middleware"
)

// ProblemDetail represents an RFC 7807 Problem Details structure, extended
// with a machine-readable error code, an optional Retry-After hint, and a
// list of per-field validation details (§7.1).
// See https://tools.ietf.org/html/rfc7807 for the base specification.
type ProblemDetail struct {
	Type          string   `json:"type"`
	Title         string   `json:"title"`
	Status        int      `json:"status"`
	Detail        string   `json:"detail,omitempty"`
	Instance      string   `json:"instance,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
	Error         string   `json:"error,omitempty"`
	RetryAfter    int      `json:"retry_after,omitempty"`
	Details       []string `json:"details,omitempty"`
}

// NewProblemDetail creates a new RFC 7807 Problem Detail identified by a
// machine-readable error code.
func NewProblemDetail(status int, title, detail, errorCode string) *ProblemDetail {
	return &ProblemDetail{
		Type:   fmt.Sprintf("https://ingestor.weather-mcp.dev/problems/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
		Error:  errorCode,
	}
}

// WithInstance adds an instance URI to the problem detail.
func (p *ProblemDetail) WithInstance(instance string) *ProblemDetail {
	p.Instance = instance

	return p
}

// WithCorrelationID adds a correlation ID to the problem detail.
func (p *ProblemDetail) WithCorrelationID(correlationID string) *ProblemDetail {
	p.CorrelationID = correlationID

	return p
}

// WithRetryAfter sets the seconds a client should wait before retrying.
func (p *ProblemDetail) WithRetryAfter(seconds int) *ProblemDetail {
	p.RetryAfter = seconds

	return p
}

// WithDetails attaches per-field validation failure messages.
func (p *ProblemDetail) WithDetails(details []string) *ProblemDetail {
	p.Details = details

	return p
}

// WriteErrorResponse writes an RFC 7807 compliant error response.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, problem *ProblemDetail) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if problem.CorrelationID == "" {
		problem.CorrelationID = correlationID
	}

	if problem.Instance == "" {
		problem.Instance = r.URL.Path
	}

	if problem.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", problem.RetryAfter))
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("encode_error", err),
			slog.Int("status", problem.Status),
		)

		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// Common error constructors for frequently used errors.

// InternalServerError creates a 500 Internal Server Error problem.
func InternalServerError(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusInternalServerError, "Internal Server Error", detail, "internal_error")
}

// BadRequest creates a 400 Bad Request problem.
func BadRequest(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusBadRequest, "Bad Request", detail, "bad_request")
}

// NotFound creates a 404 Not Found problem.
func NotFound(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusNotFound, "Not Found", detail, "not_found")
}

// MethodNotAllowed creates a 405 Method Not Allowed problem.
func MethodNotAllowed(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusMethodNotAllowed, "Method Not Allowed", detail, "method_not_allowed")
}

// ValidationFailed creates a 400 problem for a rejected batch (§4.1): a single
// invalid event rejects the whole batch, and every failure's reason is
// carried in details.
func ValidationFailed(detail string, details []string) *ProblemDetail {
	return NewProblemDetail(http.StatusBadRequest, "Validation Failed", detail, "validation_failed").
		WithDetails(details)
}

// RateLimitExceeded creates a 429 problem with the number of seconds the
// client should wait before retrying (§6.1).
func RateLimitExceeded(detail string, retryAfterSeconds int) *ProblemDetail {
	return NewProblemDetail(http.StatusTooManyRequests, "Too Many Requests", detail, "rate_limit_exceeded").
		WithRetryAfter(retryAfterSeconds)
}

// ServiceUnavailable creates a 503 problem, used when the queue is full or a
// downstream dependency cannot be reached (§4.2, §4.6).
func ServiceUnavailable(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusServiceUnavailable, "Service Unavailable", detail, "service_unavailable")
}
