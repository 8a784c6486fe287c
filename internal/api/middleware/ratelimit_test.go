package middleware_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/weather-mcp/analytics-server/internal/api/middleware"
	"github.com/weather-mcp/analytics-server/internal/config"
)

func setupLimiter(t *testing.T, cfg middleware.RateLimitConfig) *middleware.RedisRateLimiter {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	testRedis := config.SetupTestRedis(ctx, t)
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(testRedis.Container)
	})

	return middleware.NewRedisRateLimiter(testRedis.Client, cfg)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRedisRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter := setupLimiter(t, middleware.RateLimitConfig{
		PerMinute: 5, Burst: 0, BanThreshold: 3, BanDuration: time.Minute, Window: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, _, err := limiter.Allow(ctx, "client-a")
		require.NoError(t, err)
		require.True(t, allowed)
	}
}

func TestRedisRateLimiter_RejectsOverLimit(t *testing.T) {
	limiter := setupLimiter(t, middleware.RateLimitConfig{
		PerMinute: 2, Burst: 0, BanThreshold: 10, BanDuration: time.Minute, Window: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := limiter.Allow(ctx, "client-b")
		require.NoError(t, err)
		require.True(t, allowed)
	}

	allowed, retryAfter, err := limiter.Allow(ctx, "client-b")
	require.NoError(t, err)
	require.False(t, allowed)
	require.Positive(t, retryAfter)
}

func TestRedisRateLimiter_BurstExtendsLimit(t *testing.T) {
	limiter := setupLimiter(t, middleware.RateLimitConfig{
		PerMinute: 2, Burst: 3, BanThreshold: 10, BanDuration: time.Minute, Window: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, _, err := limiter.Allow(ctx, "client-c")
		require.NoError(t, err)
		require.True(t, allowed, "request %d should be within burst capacity", i)
	}

	allowed, _, err := limiter.Allow(ctx, "client-c")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestRedisRateLimiter_ThreeStrikesTriggersBan(t *testing.T) {
	limiter := setupLimiter(t, middleware.RateLimitConfig{
		PerMinute: 1, Burst: 0, BanThreshold: 3, BanDuration: time.Minute, Window: time.Minute,
	})
	ctx := context.Background()

	allowed, _, err := limiter.Allow(ctx, "client-d")
	require.NoError(t, err)
	require.True(t, allowed)

	// Three more requests strike the limiter; the third should trigger the ban.
	for i := 0; i < 3; i++ {
		_, _, err := limiter.Allow(ctx, "client-d")
		require.NoError(t, err)
	}

	allowed, retryAfter, err := limiter.Allow(ctx, "client-d")
	require.NoError(t, err)
	require.False(t, allowed)
	require.InDelta(t, time.Minute.Seconds(), float64(retryAfter), 2)
}

func TestRedisRateLimiter_ClientIsolation(t *testing.T) {
	limiter := setupLimiter(t, middleware.RateLimitConfig{
		PerMinute: 1, Burst: 0, BanThreshold: 10, BanDuration: time.Minute, Window: time.Minute,
	})
	ctx := context.Background()

	allowed, _, err := limiter.Allow(ctx, "client-e")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = limiter.Allow(ctx, "client-e")
	require.NoError(t, err)
	require.False(t, allowed, "client-e should be rate limited on its second request")

	allowed, _, err = limiter.Allow(ctx, "client-f")
	require.NoError(t, err)
	require.True(t, allowed, "a different client key must not share client-e's state")
}

func TestRateLimitMiddleware_RejectsWithProblemJSON(t *testing.T) {
	limiter := setupLimiter(t, middleware.RateLimitConfig{
		PerMinute: 0, Burst: 0, BanThreshold: 10, BanDuration: time.Minute, Window: time.Minute,
	})

	handler := middleware.RateLimit(limiter, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/events", nil)
	req.RemoteAddr = "203.0.113.7:54321"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRateLimitMiddleware_NilLimiterIsNoOp(t *testing.T) {
	called := false
	handler := middleware.RateLimit(nil, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.True(t, called)
	require.Equal(t, http.StatusOK, rec.Code)
}
