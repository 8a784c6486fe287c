// Package stats implements the read-only statistics query layer: period
// parsing, the cached aggregate queries behind the /v1/stats endpoints, and
// the response shapes they return.
package stats

import (
	"errors"
	"time"
)

// ErrUnknownPeriod is returned when a period token isn't one this layer recognizes.
var ErrUnknownPeriod = errors.New("unknown period")

// periods maps the accepted period tokens to their window length. Dashboard
// endpoints only ever send the day-grained tokens; the hour-grained tokens
// exist for an internal "all" view per §4.5.
var periods = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
}

// DefaultPeriod is used when a stats request omits ?period=.
const DefaultPeriod = "30d"

// ParsePeriod validates a period token and returns its window length.
func ParsePeriod(token string) (time.Duration, error) {
	if token == "" {
		token = DefaultPeriod
	}

	d, ok := periods[token]
	if !ok {
		return 0, ErrUnknownPeriod
	}

	return d, nil
}
