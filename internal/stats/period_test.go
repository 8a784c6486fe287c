package stats_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weather-mcp/analytics-server/internal/stats"
)

func TestParsePeriod_KnownTokens(t *testing.T) {
	cases := map[string]time.Duration{
		"1h":  time.Hour,
		"6h":  6 * time.Hour,
		"12h": 12 * time.Hour,
		"24h": 24 * time.Hour,
		"7d":  7 * 24 * time.Hour,
		"30d": 30 * 24 * time.Hour,
		"90d": 90 * 24 * time.Hour,
	}

	for token, want := range cases {
		got, err := stats.ParsePeriod(token)
		require.NoError(t, err, token)
		assert.Equal(t, want, got, token)
	}
}

func TestParsePeriod_EmptyDefaultsTo30d(t *testing.T) {
	got, err := stats.ParsePeriod("")
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, got)
}

func TestParsePeriod_UnknownTokenRejected(t *testing.T) {
	_, err := stats.ParsePeriod("3d")
	require.ErrorIs(t, err, stats.ErrUnknownPeriod)
}
