// Package api provides the HTTP API server implementation for the ingestion service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/weather-mcp/analytics-server/internal/queue"
	"github.com/weather-mcp/analytics-server/internal/stats"
)

// setupRoutes registers every endpoint in §6 on mux.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/events", s.handleIngestEvents)

	mux.HandleFunc("GET /v1/stats/overview", s.handleStatsOverview)
	mux.HandleFunc("GET /v1/stats/tools", s.handleStatsTools)
	mux.HandleFunc("GET /v1/stats/tool/{name}", s.handleStatsTool)
	mux.HandleFunc("GET /v1/stats/errors", s.handleStatsErrors)
	mux.HandleFunc("GET /v1/stats/performance", s.handleStatsPerformance)

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
}

// ingestAcceptedResponse is returned on successful queuing (§6.1).
type ingestAcceptedResponse struct {
	Status    string    `json:"status"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// handleIngestEvents validates and enqueues a batch of events. The handler
// never writes to the raw store or aggregates directly: by the time it
// returns 200 the events are durably queued, not yet persisted (§3, §6.1).
func (s *Server) handleIngestEvents(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.BodyLimitBytes)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("failed to read request body"))

		return
	}

	parsedEvents, validationErrs := s.validator.ValidateBatch(body)
	if validationErrs != nil {
		WriteErrorResponse(w, r, s.logger,
			ValidationFailed("the batch was rejected; see details for the specific failures", validationErrs))

		return
	}

	if err := s.queue.EnqueueMany(r.Context(), parsedEvents); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			WriteErrorResponse(w, r, s.logger,
				ServiceUnavailable("the ingestion queue is full").WithRetryAfter(60))

			return
		}

		s.logger.Error("enqueue failed", slog.String("error", err.Error()))
		WriteErrorResponse(w, r, s.logger,
			ServiceUnavailable("the ingestion queue is unreachable").WithRetryAfter(60))

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, ingestAcceptedResponse{
		Status:    "accepted",
		Count:     len(parsedEvents),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleStatsOverview(w http.ResponseWriter, r *http.Request) {
	period := periodParam(r)

	overview, err := s.stats.Overview(r.Context(), period)
	if err != nil {
		s.writeStatsError(w, r, err)

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, overview)
}

func (s *Server) handleStatsTools(w http.ResponseWriter, r *http.Request) {
	period := periodParam(r)

	result, err := s.stats.ToolsStats(r.Context(), period)
	if err != nil {
		s.writeStatsError(w, r, err)

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, result)
}

func (s *Server) handleStatsTool(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("tool name is required"))

		return
	}

	period := periodParam(r)

	detail, err := s.stats.ToolStats(r.Context(), name, period)
	if err != nil {
		if errors.Is(err, stats.ErrToolNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("no data for tool "+name+" in the requested period"))

			return
		}

		s.writeStatsError(w, r, err)

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, detail)
}

func (s *Server) handleStatsErrors(w http.ResponseWriter, r *http.Request) {
	period := periodParam(r)

	result, err := s.stats.ErrorStats(r.Context(), period)
	if err != nil {
		s.writeStatsError(w, r, err)

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, result)
}

func (s *Server) handleStatsPerformance(w http.ResponseWriter, r *http.Request) {
	period := periodParam(r)

	result, err := s.stats.PerformanceStats(r.Context(), period)
	if err != nil {
		s.writeStatsError(w, r, err)

		return
	}

	writeJSON(w, r, s.logger, http.StatusOK, result)
}

func (s *Server) writeStatsError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, stats.ErrUnknownPeriod) {
		WriteErrorResponse(w, r, s.logger, BadRequest("unrecognized period; use one of 7d, 30d, 90d"))

		return
	}

	s.logger.Error("stats query failed", slog.String("error", err.Error()))
	WriteErrorResponse(w, r, s.logger, InternalServerError("failed to compute statistics"))
}

func periodParam(r *http.Request) string {
	if p := r.URL.Query().Get("period"); p != "" {
		return p
	}

	return stats.DefaultPeriod
}

// healthResponse is the body for GET /v1/health (§4.6).
type healthResponse struct {
	Status            string `json:"status"`
	DatabaseConnected bool   `json:"databaseConnected"`
	QueueDepth        int64  `json:"queueDepth"`
	UptimeSeconds     int64  `json:"uptimeSeconds"`
	MemoryUsedBytes   uint64 `json:"memoryUsedBytes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbErr := s.dbHealthCheck(r.Context())

	depth, queueErr := s.queue.Depth(r.Context())
	if queueErr != nil {
		s.logger.Warn("queue depth unavailable for health probe", slog.String("error", queueErr.Error()))
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := healthResponse{
		Status:            "ok",
		DatabaseConnected: dbErr == nil,
		QueueDepth:        depth,
		UptimeSeconds:     int64(time.Since(s.startTime).Seconds()),
		MemoryUsedBytes:   mem.Alloc,
	}

	status := http.StatusOK

	if dbErr != nil {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, r, s.logger, status, resp)
}

// statusResponse extends healthResponse with the readiness flag captured at
// startup (§4.6: readiness means the store health check passed at startup).
type statusResponse struct {
	healthResponse

	Ready bool `json:"ready"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	dbErr := s.dbHealthCheck(r.Context())

	depth, queueErr := s.queue.Depth(r.Context())
	if queueErr != nil {
		s.logger.Warn("queue depth unavailable for status probe", slog.String("error", queueErr.Error()))
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := statusResponse{
		healthResponse: healthResponse{
			Status:            "ok",
			DatabaseConnected: dbErr == nil,
			QueueDepth:        depth,
			UptimeSeconds:     int64(time.Since(s.startTime).Seconds()),
			MemoryUsedBytes:   mem.Alloc,
		},
		Ready: s.ready.Load(),
	}

	if dbErr != nil {
		resp.Status = "unavailable"
	}

	writeJSON(w, r, s.logger, http.StatusOK, resp)
}

func (s *Server) dbHealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// writeJSON writes a 2xx JSON body. Errors flow through WriteErrorResponse
// instead, keeping the two response shapes (success vs. RFC 7807) distinct.
func writeJSON(w http.ResponseWriter, r *http.Request, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode response body",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}
