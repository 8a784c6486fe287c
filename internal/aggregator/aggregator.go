// Package aggregator folds a batch of validated events into the daily,
// hourly, and error-summary rollups using idempotent, weighted-re-averaging
// upserts implemented as single conditional SQL statements.
package aggregator

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/weather-mcp/analytics-server/internal/events"
	"github.com/weather-mcp/analytics-server/internal/storage"
)

// Aggregator applies batches of events to the daily/hourly/error-summary
// rollups. It holds no mutable state between batches.
type Aggregator struct {
	db *storage.Connection
}

// New returns an Aggregator backed by conn.
func New(conn *storage.Connection) *Aggregator {
	return &Aggregator{db: conn}
}

// Apply groups batch by its aggregation keys and upserts the daily, hourly,
// and error-summary rollups in one transaction. Groups sharing an upsert key
// within the batch are merged locally before the single upsert per key, so
// that concurrent workers never issue conflicting partial updates for the
// same row within a single transaction.
func (a *Aggregator) Apply(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin aggregation transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertDaily(ctx, tx, groupDaily(batch)); err != nil {
		return err
	}

	if err := upsertHourly(ctx, tx, groupHourly(batch)); err != nil {
		return err
	}

	if err := upsertErrorSummaries(ctx, tx, groupErrors(batch)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit aggregation transaction: %w", err)
	}

	return nil
}

// groupStats holds the locally-computed sums and per-batch percentile
// approximation for one aggregation key before it is merged into the store.
type groupStats struct {
	totalCalls     int64
	successCalls   int64
	errorCalls     int64
	responseTimes  []int
	cacheHitCount  int64
	cacheMissCount int64
	noaaCalls      int64
	openMeteoCalls int64
	totalRetries   int64
}

func (g *groupStats) add(e events.Event) {
	g.totalCalls++

	if e.Status == events.StatusSuccess {
		g.successCalls++
	} else {
		g.errorCalls++
	}

	if e.ResponseTimeMs != nil {
		g.responseTimes = append(g.responseTimes, *e.ResponseTimeMs)
	}

	if e.CacheHit != nil {
		if *e.CacheHit {
			g.cacheHitCount++
		} else {
			g.cacheMissCount++
		}
	}

	if e.Service != nil {
		switch events.Service(*e.Service) {
		case events.ServiceNOAA:
			g.noaaCalls++
		case events.ServiceOpenMeteo:
			g.openMeteoCalls++
		}
	}

	if e.RetryCount != nil {
		g.totalRetries += int64(*e.RetryCount)
	}
}

func (g *groupStats) avgResponseTimeMs() float64 {
	if len(g.responseTimes) == 0 {
		return 0
	}

	sum := 0
	for _, v := range g.responseTimes {
		sum += v
	}

	return float64(sum) / float64(len(g.responseTimes))
}

// percentile is a per-batch approximation, the sorted sample at index
// floor(p*(n-1)), overwritten (not merged) on every upsert, as documented in
// the aggregation design.
func (g *groupStats) percentile(p float64) float64 {
	if len(g.responseTimes) == 0 {
		return 0
	}

	sorted := append([]int(nil), g.responseTimes...)
	sort.Ints(sorted)

	rank := int(p * float64(len(sorted)-1))

	return float64(sorted[rank])
}

func (g *groupStats) min() int {
	if len(g.responseTimes) == 0 {
		return 0
	}

	m := g.responseTimes[0]
	for _, v := range g.responseTimes[1:] {
		if v < m {
			m = v
		}
	}

	return m
}

func (g *groupStats) max() int {
	if len(g.responseTimes) == 0 {
		return 0
	}

	m := g.responseTimes[0]
	for _, v := range g.responseTimes[1:] {
		if v > m {
			m = v
		}
	}

	return m
}

type dailyKey struct {
	date    time.Time
	tool    string
	version string
	country string
}

func groupDaily(batch []events.Event) map[dailyKey]*groupStats {
	groups := make(map[dailyKey]*groupStats)

	for _, e := range batch {
		country := ""
		if e.Country != nil {
			country = *e.Country
		}

		key := dailyKey{
			date:    e.TimestampHour.Truncate(24 * time.Hour),
			tool:    e.Tool,
			version: e.Version,
			country: country,
		}

		g, ok := groups[key]
		if !ok {
			g = &groupStats{}
			groups[key] = g
		}

		g.add(e)
	}

	return groups
}

type hourlyKey struct {
	hour    time.Time
	tool    string
	version string
}

func groupHourly(batch []events.Event) map[hourlyKey]*groupStats {
	groups := make(map[hourlyKey]*groupStats)

	for _, e := range batch {
		key := hourlyKey{hour: e.TimestampHour, tool: e.Tool, version: e.Version}

		g, ok := groups[key]
		if !ok {
			g = &groupStats{}
			groups[key] = g
		}

		g.add(e)
	}

	return groups
}

type errorKey struct {
	hour      time.Time
	tool      string
	errorType string
}

type errorGroup struct {
	count            int64
	firstSeen        time.Time
	lastSeen         time.Time
	affectedVersions map[string]bool
}

func groupErrors(batch []events.Event) map[errorKey]*errorGroup {
	groups := make(map[errorKey]*errorGroup)

	for _, e := range batch {
		if e.Status != events.StatusError || e.ErrorType == nil {
			continue
		}

		key := errorKey{hour: e.TimestampHour, tool: e.Tool, errorType: *e.ErrorType}

		g, ok := groups[key]
		if !ok {
			g = &errorGroup{firstSeen: e.TimestampHour, lastSeen: e.TimestampHour, affectedVersions: map[string]bool{}}
			groups[key] = g
		}

		g.count++
		g.affectedVersions[e.Version] = true

		if e.TimestampHour.Before(g.firstSeen) {
			g.firstSeen = e.TimestampHour
		}

		if e.TimestampHour.After(g.lastSeen) {
			g.lastSeen = e.TimestampHour
		}
	}

	return groups
}

// upsertDaily applies one weighted-average conditional upsert per key. The
// new average is computed server-side from the existing row's average and
// total_calls combined with the incoming group's average and total_calls, so
// the read-modify-write happens inside the database's own transaction rather
// than racing a separate read in application code.
func upsertDaily(ctx context.Context, tx *sql.Tx, groups map[dailyKey]*groupStats) error {
	const stmt = `
INSERT INTO daily_aggregates
	(date, tool, version, country, total_calls, success_calls, error_calls,
	 avg_response_time_ms, p50_response_time_ms, p95_response_time_ms, p99_response_time_ms,
	 min_response_time_ms, max_response_time_ms, cache_hit_count, cache_miss_count,
	 noaa_calls, openmeteo_calls, total_retries, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18, now(), now())
ON CONFLICT (date, tool, version, country) DO UPDATE SET
	total_calls = daily_aggregates.total_calls + EXCLUDED.total_calls,
	success_calls = daily_aggregates.success_calls + EXCLUDED.success_calls,
	error_calls = daily_aggregates.error_calls + EXCLUDED.error_calls,
	avg_response_time_ms = CASE WHEN daily_aggregates.total_calls + EXCLUDED.total_calls = 0 THEN 0
		ELSE (daily_aggregates.avg_response_time_ms * daily_aggregates.total_calls
			+ EXCLUDED.avg_response_time_ms * EXCLUDED.total_calls)
			/ (daily_aggregates.total_calls + EXCLUDED.total_calls) END,
	p50_response_time_ms = EXCLUDED.p50_response_time_ms,
	p95_response_time_ms = EXCLUDED.p95_response_time_ms,
	p99_response_time_ms = EXCLUDED.p99_response_time_ms,
	min_response_time_ms = LEAST(daily_aggregates.min_response_time_ms, EXCLUDED.min_response_time_ms),
	max_response_time_ms = GREATEST(daily_aggregates.max_response_time_ms, EXCLUDED.max_response_time_ms),
	cache_hit_count = daily_aggregates.cache_hit_count + EXCLUDED.cache_hit_count,
	cache_miss_count = daily_aggregates.cache_miss_count + EXCLUDED.cache_miss_count,
	noaa_calls = daily_aggregates.noaa_calls + EXCLUDED.noaa_calls,
	openmeteo_calls = daily_aggregates.openmeteo_calls + EXCLUDED.openmeteo_calls,
	total_retries = daily_aggregates.total_retries + EXCLUDED.total_retries,
	updated_at = now()
`

	for key, g := range groups {
		_, err := tx.ExecContext(ctx, stmt,
			key.date, key.tool, key.version, key.country,
			g.totalCalls, g.successCalls, g.errorCalls,
			g.avgResponseTimeMs(), g.percentile(0.50), g.percentile(0.95), g.percentile(0.99),
			g.min(), g.max(), g.cacheHitCount, g.cacheMissCount,
			g.noaaCalls, g.openMeteoCalls, g.totalRetries,
		)
		if err != nil {
			return fmt.Errorf("upsert daily aggregate %+v: %w", key, err)
		}
	}

	return nil
}

func upsertHourly(ctx context.Context, tx *sql.Tx, groups map[hourlyKey]*groupStats) error {
	const stmt = `
INSERT INTO hourly_aggregates
	(hour, tool, version, total_calls, success_calls, error_calls,
	 avg_response_time_ms, p95_response_time_ms, cache_hit_count, cache_miss_count, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, now(), now())
ON CONFLICT (hour, tool, version) DO UPDATE SET
	total_calls = hourly_aggregates.total_calls + EXCLUDED.total_calls,
	success_calls = hourly_aggregates.success_calls + EXCLUDED.success_calls,
	error_calls = hourly_aggregates.error_calls + EXCLUDED.error_calls,
	avg_response_time_ms = CASE WHEN hourly_aggregates.total_calls + EXCLUDED.total_calls = 0 THEN 0
		ELSE (hourly_aggregates.avg_response_time_ms * hourly_aggregates.total_calls
			+ EXCLUDED.avg_response_time_ms * EXCLUDED.total_calls)
			/ (hourly_aggregates.total_calls + EXCLUDED.total_calls) END,
	p95_response_time_ms = EXCLUDED.p95_response_time_ms,
	cache_hit_count = hourly_aggregates.cache_hit_count + EXCLUDED.cache_hit_count,
	cache_miss_count = hourly_aggregates.cache_miss_count + EXCLUDED.cache_miss_count,
	updated_at = now()
`

	for key, g := range groups {
		_, err := tx.ExecContext(ctx, stmt,
			key.hour, key.tool, key.version,
			g.totalCalls, g.successCalls, g.errorCalls,
			g.avgResponseTimeMs(), g.percentile(0.95), g.cacheHitCount, g.cacheMissCount,
		)
		if err != nil {
			return fmt.Errorf("upsert hourly aggregate %+v: %w", key, err)
		}
	}

	return nil
}

func upsertErrorSummaries(ctx context.Context, tx *sql.Tx, groups map[errorKey]*errorGroup) error {
	const stmt = `
INSERT INTO error_summaries (hour, tool, error_type, count, first_seen, last_seen, affected_versions)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (hour, tool, error_type) DO UPDATE SET
	count = error_summaries.count + EXCLUDED.count,
	first_seen = LEAST(error_summaries.first_seen, EXCLUDED.first_seen),
	last_seen = GREATEST(error_summaries.last_seen, EXCLUDED.last_seen),
	affected_versions = ARRAY(SELECT DISTINCT unnest(error_summaries.affected_versions || EXCLUDED.affected_versions))
`

	for key, g := range groups {
		versions := make([]string, 0, len(g.affectedVersions))
		for v := range g.affectedVersions {
			versions = append(versions, v)
		}

		sort.Strings(versions)

		_, err := tx.ExecContext(ctx, stmt,
			key.hour, key.tool, key.errorType, g.count, g.firstSeen, g.lastSeen, pq.Array(versions),
		)
		if err != nil {
			return fmt.Errorf("upsert error summary %+v: %w", key, err)
		}
	}

	return nil
}
