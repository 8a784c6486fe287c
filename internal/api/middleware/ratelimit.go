// Package middleware provides HTTP middleware components for the ingestion API.
package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces per-client request limits. Implementations must share
// state across every horizontally-scaled API instance (§5): an in-process
// limiter would let a client exceed the advertised limit by a factor of the
// instance count, so the only implementation here is Redis-backed.
type RateLimiter interface {
	// Allow reports whether clientKey may proceed. When it may not,
	// retryAfter is the number of seconds the caller should wait.
	Allow(ctx context.Context, clientKey string) (allowed bool, retryAfter int, err error)
}

// rateLimitScript performs the increment-check-strike-ban sequence as a
// single indivisible server-side operation, the same atomicity argument the
// queue's enqueue script relies on: a read-then-write pair here would let
// concurrent requests from one client race past the limit.
var rateLimitScript = redis.NewScript(`
local countKey = KEYS[1]
local strikesKey = KEYS[2]
local banKey = KEYS[3]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local banThreshold = tonumber(ARGV[3])
local banSeconds = tonumber(ARGV[4])

if redis.call('EXISTS', banKey) == 1 then
  return {0, redis.call('TTL', banKey)}
end

local count = redis.call('INCR', countKey)
if count == 1 then
  redis.call('EXPIRE', countKey, window)
end

if count <= limit then
  return {1, 0}
end

local strikes = redis.call('INCR', strikesKey)
redis.call('EXPIRE', strikesKey, window)

if strikes >= banThreshold then
  redis.call('SET', banKey, 1, 'EX', banSeconds)
  redis.call('DEL', strikesKey)
  return {0, banSeconds}
end

local ttl = redis.call('TTL', countKey)
if ttl < 0 then
  ttl = window
end

return {0, ttl}
`)

// RedisRateLimiter is the Redis-backed RateLimiter shared across API instances.
type RedisRateLimiter struct {
	client *redis.Client
	cfg    RateLimitConfig
}

// NewRedisRateLimiter returns a RateLimiter bound to client.
func NewRedisRateLimiter(client *redis.Client, cfg RateLimitConfig) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, cfg: cfg}
}

var _ RateLimiter = (*RedisRateLimiter)(nil)

func (rl *RedisRateLimiter) Allow(ctx context.Context, clientKey string) (bool, int, error) {
	countKey := "ratelimit:{" + clientKey + "}:count"
	strikesKey := "ratelimit:{" + clientKey + "}:strikes"
	banKey := "ratelimit:{" + clientKey + "}:ban"

	limit := rl.cfg.PerMinute + rl.cfg.Burst
	windowSeconds := int(rl.cfg.Window.Seconds())
	banSeconds := int(rl.cfg.BanDuration.Seconds())

	result, err := rateLimitScript.Run(
		ctx, rl.client, []string{countKey, strikesKey, banKey},
		limit, windowSeconds, rl.cfg.BanThreshold, banSeconds,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script failed: %w", err)
	}

	allowed, _ := result[0].(int64)
	retryAfter, _ := result[1].(int64)

	return allowed == 1, int(retryAfter), nil
}

// Close releases the underlying Redis client connections.
func (rl *RedisRateLimiter) Close() error {
	return rl.client.Close()
}

// clientKey derives an opaque, non-reversible identifier for the rate
// limiter from the request's trusted-proxy address. The raw address is
// hashed and never logged or echoed anywhere downstream, satisfying the
// privacy invariant while still letting the limiter key its state.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	sum := sha256.Sum256([]byte(host))

	return hex.EncodeToString(sum[:])
}

// RateLimit returns a middleware that enforces the per-client rate limit.
// On rejection it writes a 429 RFC 7807 problem with Retry-After set, never
// logging or surfacing the client's address.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)

				return
			}

			allowed, retryAfter, err := limiter.Allow(r.Context(), clientKey(r))
			if err != nil {
				correlationID := GetCorrelationID(r.Context())
				logger.Error("rate limiter unavailable, failing open",
					slog.String("correlation_id", correlationID),
					slog.String("error", err.Error()),
				)

				next.ServeHTTP(w, r)

				return
			}

			if !allowed {
				correlationID := GetCorrelationID(r.Context())
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeRateLimitProblem(w, r, correlationID, retryAfter, logger)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitProblem writes a 429 RFC 7807 problem body. It duplicates
// the shape of api.ProblemDetail rather than importing the api package,
// since api imports this package for its middleware chain.
func writeRateLimitProblem(
	w http.ResponseWriter, r *http.Request, correlationID string, retryAfter int, logger *slog.Logger,
) {
	problem := struct {
		Type          string `json:"type"`
		Title         string `json:"title"`
		Status        int    `json:"status"`
		Detail        string `json:"detail"`
		Instance      string `json:"instance"`
		CorrelationID string `json:"correlationId"` //nolint: tagliatelle
		Error         string `json:"error"`
		RetryAfter    int    `json:"retry_after"`
	}{
		Type:          fmt.Sprintf("https://ingestor.weather-mcp.dev/problems/%d", http.StatusTooManyRequests),
		Title:         "Too Many Requests",
		Status:        http.StatusTooManyRequests,
		Detail:        "Rate limit exceeded. Please retry after the indicated number of seconds.",
		Instance:      r.URL.Path,
		CorrelationID: correlationID,
		Error:         "rate_limit_exceeded",
		RetryAfter:    retryAfter,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusTooManyRequests)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("failed to encode rate limit error response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}
