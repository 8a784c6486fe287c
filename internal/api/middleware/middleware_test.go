package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weather-mcp/analytics-server/internal/api"
	"github.com/weather-mcp/analytics-server/internal/api/middleware"
)

func TestCorrelationID_SetsHeaderAndContextValue(t *testing.T) {
	var seen string

	handler := middleware.CorrelationID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
	assert.Equal(t, rec.Header().Get("X-Correlation-ID"), seen)
}

func TestGetCorrelationID_UnknownWhenAbsent(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	assert.Equal(t, "unknown", middleware.GetCorrelationID(req.Context()))
}

func TestRecovery_ConvertsPanicToProblemJSON(t *testing.T) {
	handler := middleware.Recovery(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	rec := httptest.NewRecorder()

	require.NotPanics(t, func() { handler.ServeHTTP(rec, req) })

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestCORS_WildcardOriginReflectsOnPreflight(t *testing.T) {
	cfg := api.CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         86400,
	}

	handler := middleware.CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler should not run for an OPTIONS preflight")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/events", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestCORS_RejectsOriginNotInAllowlist(t *testing.T) {
	cfg := api.CORSConfig{
		AllowedOrigins: []string{"https://dashboard.weather-mcp.dev"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Content-Type"},
	}

	handler := middleware.CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
