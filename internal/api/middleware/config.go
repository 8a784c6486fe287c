// Package middleware provides HTTP middleware components for the ingestion API.
package middleware

import (
	"time"

	"github.com/weather-mcp/analytics-server/internal/config"
)

const (
	defaultRateLimitPerMinute = 60
	defaultRateLimitBurst     = 10
	defaultBanThreshold       = 3
	defaultBanDuration        = 15 * time.Minute
	defaultWindow             = time.Minute
)

// RateLimitConfig holds the per-client rate limit configuration. Limits are
// enforced per opaque client key, never per-IP in logs (see §6.4 privacy
// invariant): the HTTP layer supplies the key, the limiter never sees or
// stores a raw address.
type RateLimitConfig struct {
	// PerMinute is the sustained number of requests a client may make.
	PerMinute int
	// Burst is added on top of PerMinute to absorb short spikes.
	Burst int
	// BanThreshold is the number of consecutive rate-limit violations within
	// a window that trigger a temporary ban (the "3-strikes" rule).
	BanThreshold int
	// BanDuration is how long a banned client is rejected outright.
	BanDuration time.Duration
	// Window is the fixed period, starting at a client's first counted
	// request, that the PerMinute+Burst limit applies over.
	Window time.Duration
}

// LoadRateLimitConfig loads rate limit configuration from environment
// variables with fallback to the spec's defaults (60/min, burst 10, 3 strikes).
func LoadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		PerMinute:    config.GetEnvInt("INGESTOR_RATE_LIMIT_PER_MINUTE", defaultRateLimitPerMinute),
		Burst:        config.GetEnvInt("INGESTOR_RATE_LIMIT_BURST", defaultRateLimitBurst),
		BanThreshold: defaultBanThreshold,
		BanDuration:  defaultBanDuration,
		Window:       defaultWindow,
	}
}
