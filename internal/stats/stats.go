package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/weather-mcp/analytics-server/internal/storage"
)

// ErrToolNotFound is returned by ToolStats when the named tool has no data
// in the requested window.
var ErrToolNotFound = errors.New("tool not found")

// activeInstallsHeuristic documents the named heuristic used for the
// "active installs" figure: distinct session identifiers seen in the
// trailing 30 days. Session IDs are only ever present on detailed-level
// events, so this heuristic undercounts minimal/standard-only fleets; it is
// surfaced under this name rather than claimed as a true install count,
// per the source's own ambiguity about the figure's definition.
const activeInstallsHeuristic = "distinct_session_id_30d"

// Distribution is a single slice of a categorical breakdown (e.g. one version
// or one country) with its call count.
type Distribution struct {
	Key   string `json:"key"`
	Calls int64  `json:"calls"`
}

// ToolSummary is one row of the tools-sorted-by-volume view.
type ToolSummary struct {
	Tool              string  `json:"tool"`
	TotalCalls        int64   `json:"totalCalls"`
	SuccessCalls      int64   `json:"successCalls"`
	ErrorCalls        int64   `json:"errorCalls"`
	SuccessRate       float64 `json:"successRate"`
	AvgResponseTimeMs float64 `json:"avgResponseTimeMs"`
}

// ErrorTypeSummary is one row of the error-type distribution.
type ErrorTypeSummary struct {
	Tool      string    `json:"tool"`
	ErrorType string    `json:"errorType"`
	Count     int64     `json:"count"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Overview is the response for GET /v1/stats/overview.
type Overview struct {
	Period               string             `json:"period"`
	TotalCalls           int64              `json:"totalCalls"`
	SuccessCalls         int64              `json:"successCalls"`
	ErrorCalls           int64              `json:"errorCalls"`
	SuccessRate          float64            `json:"successRate"`
	ActiveInstalls       int64              `json:"activeInstalls"`
	ActiveInstallsMethod string             `json:"activeInstallsMethod"`
	TopTools             []ToolSummary      `json:"topTools"`
	TopErrors            []ErrorTypeSummary `json:"topErrors"`
}

// ToolsResponse is the response for GET /v1/stats/tools.
type ToolsResponse struct {
	Period string        `json:"period"`
	Tools  []ToolSummary `json:"tools"`
}

// DailyPoint is one entry of a tool's daily call-volume series.
type DailyPoint struct {
	Date              time.Time `json:"date"`
	TotalCalls        int64     `json:"totalCalls"`
	SuccessCalls      int64     `json:"successCalls"`
	ErrorCalls        int64     `json:"errorCalls"`
	AvgResponseTimeMs float64   `json:"avgResponseTimeMs"`
}

// ToolDetail is the response for GET /v1/stats/tool/:name.
type ToolDetail struct {
	Tool                string         `json:"tool"`
	Period              string         `json:"period"`
	TotalCalls          int64          `json:"totalCalls"`
	SuccessCalls        int64          `json:"successCalls"`
	ErrorCalls          int64          `json:"errorCalls"`
	DailySeries         []DailyPoint   `json:"dailySeries"`
	VersionDistribution []Distribution `json:"versionDistribution"`
	CountryDistribution []Distribution `json:"countryDistribution"`
}

// ErrorStatsResponse is the response for GET /v1/stats/errors.
type ErrorStatsResponse struct {
	Period string             `json:"period"`
	Errors []ErrorTypeSummary `json:"errors"`
}

// PerformanceStats is the response for GET /v1/stats/performance.
type PerformanceStats struct {
	Period              string         `json:"period"`
	AvgResponseTimeMs   float64        `json:"avgResponseTimeMs"`
	P50ResponseTimeMs   float64        `json:"p50ResponseTimeMs"`
	P95ResponseTimeMs   float64        `json:"p95ResponseTimeMs"`
	P99ResponseTimeMs   float64        `json:"p99ResponseTimeMs"`
	CacheHitCount       int64          `json:"cacheHitCount"`
	CacheMissCount      int64          `json:"cacheMissCount"`
	CacheHitRate        float64        `json:"cacheHitRate"`
	ServiceDistribution []Distribution `json:"serviceDistribution"`
}

// Service answers the read-only stats queries over the raw event store,
// each one optionally wrapped by a short-TTL cache (§4.5).
type Service struct {
	conn  *storage.Connection
	cache *Cache
}

// NewService returns a Service backed by conn. cache may be nil, which
// disables caching and always computes directly.
func NewService(conn *storage.Connection, cache *Cache) *Service {
	return &Service{conn: conn, cache: cache}
}

// Overview answers GET /v1/stats/overview.
func (s *Service) Overview(ctx context.Context, period string) (Overview, error) {
	window, err := ParsePeriod(period)
	if err != nil {
		return Overview{}, err
	}

	return readThrough(ctx, s.cache, Key("overview", period, ""), func(ctx context.Context) (Overview, error) {
		return s.computeOverview(ctx, period, window)
	})
}

// ToolsStats answers GET /v1/stats/tools.
func (s *Service) ToolsStats(ctx context.Context, period string) (ToolsResponse, error) {
	window, err := ParsePeriod(period)
	if err != nil {
		return ToolsResponse{}, err
	}

	return readThrough(ctx, s.cache, Key("tools", period, ""), func(ctx context.Context) (ToolsResponse, error) {
		tools, err := s.toolSummaries(ctx, window, 0)
		if err != nil {
			return ToolsResponse{}, err
		}

		return ToolsResponse{Period: period, Tools: tools}, nil
	})
}

// ToolStats answers GET /v1/stats/tool/:name.
func (s *Service) ToolStats(ctx context.Context, tool, period string) (ToolDetail, error) {
	window, err := ParsePeriod(period)
	if err != nil {
		return ToolDetail{}, err
	}

	return readThrough(ctx, s.cache, Key("tool", period, tool), func(ctx context.Context) (ToolDetail, error) {
		return s.computeToolDetail(ctx, tool, period, window)
	})
}

// ErrorStats answers GET /v1/stats/errors.
func (s *Service) ErrorStats(ctx context.Context, period string) (ErrorStatsResponse, error) {
	window, err := ParsePeriod(period)
	if err != nil {
		return ErrorStatsResponse{}, err
	}

	return readThrough(ctx, s.cache, Key("errors", period, ""), func(ctx context.Context) (ErrorStatsResponse, error) {
		errs, err := s.errorSummaries(ctx, window, 0)
		if err != nil {
			return ErrorStatsResponse{}, err
		}

		return ErrorStatsResponse{Period: period, Errors: errs}, nil
	})
}

// PerformanceStats answers GET /v1/stats/performance.
func (s *Service) PerformanceStats(ctx context.Context, period string) (PerformanceStats, error) {
	window, err := ParsePeriod(period)
	if err != nil {
		return PerformanceStats{}, err
	}

	return readThrough(ctx, s.cache, Key("performance", period, ""), func(ctx context.Context) (PerformanceStats, error) {
		return s.computePerformance(ctx, period, window)
	})
}

func (s *Service) computeOverview(ctx context.Context, period string, window time.Duration) (Overview, error) {
	since := time.Now().UTC().Add(-window)

	var o Overview

	row := s.conn.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'success'),
		       COUNT(*) FILTER (WHERE status = 'error')
		FROM raw_events
		WHERE created_at >= $1
	`, since)

	if err := row.Scan(&o.TotalCalls, &o.SuccessCalls, &o.ErrorCalls); err != nil {
		return Overview{}, fmt.Errorf("overview totals: %w", err)
	}

	if o.TotalCalls > 0 {
		o.SuccessRate = float64(o.SuccessCalls) / float64(o.TotalCalls)
	}

	activeSince := time.Now().UTC().Add(-30 * 24 * time.Hour)
	if err := s.conn.DB.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT session_id)
		FROM raw_events
		WHERE created_at >= $1 AND session_id IS NOT NULL
	`, activeSince).Scan(&o.ActiveInstalls); err != nil {
		return Overview{}, fmt.Errorf("active installs: %w", err)
	}

	o.ActiveInstallsMethod = activeInstallsHeuristic
	o.Period = period

	tools, err := s.toolSummaries(ctx, window, 5)
	if err != nil {
		return Overview{}, err
	}

	o.TopTools = tools

	errs, err := s.errorSummaries(ctx, window, 5)
	if err != nil {
		return Overview{}, err
	}

	o.TopErrors = errs

	return o, nil
}

// toolSummaries computes call counts and the weighted average response time
// per tool directly over the raw store: AVG(response_time_ms) here, never
// AVG(avg_response_time_ms) over daily rows, since the latter averages
// averages and silently distorts the result (§4.5).
func (s *Service) toolSummaries(ctx context.Context, window time.Duration, limit int) ([]ToolSummary, error) {
	since := time.Now().UTC().Add(-window)

	query := `
		SELECT tool,
		       COUNT(*) AS total_calls,
		       COUNT(*) FILTER (WHERE status = 'success') AS success_calls,
		       COUNT(*) FILTER (WHERE status = 'error') AS error_calls,
		       COALESCE(AVG(response_time_ms), 0) AS avg_response_time_ms
		FROM raw_events
		WHERE created_at >= $1
		GROUP BY tool
		ORDER BY total_calls DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.conn.DB.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("tool summaries: %w", err)
	}
	defer rows.Close()

	var tools []ToolSummary

	for rows.Next() {
		var t ToolSummary
		if err := rows.Scan(&t.Tool, &t.TotalCalls, &t.SuccessCalls, &t.ErrorCalls, &t.AvgResponseTimeMs); err != nil {
			return nil, fmt.Errorf("scan tool summary: %w", err)
		}

		if t.TotalCalls > 0 {
			t.SuccessRate = float64(t.SuccessCalls) / float64(t.TotalCalls)
		}

		tools = append(tools, t)
	}

	return tools, rows.Err()
}

func (s *Service) errorSummaries(ctx context.Context, window time.Duration, limit int) ([]ErrorTypeSummary, error) {
	since := time.Now().UTC().Add(-window)

	query := `
		SELECT tool, error_type, SUM(count) AS total_count, MAX(last_seen) AS last_seen
		FROM error_summaries
		WHERE hour >= $1
		GROUP BY tool, error_type
		ORDER BY total_count DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.conn.DB.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("error summaries: %w", err)
	}
	defer rows.Close()

	var errs []ErrorTypeSummary

	for rows.Next() {
		var e ErrorTypeSummary
		if err := rows.Scan(&e.Tool, &e.ErrorType, &e.Count, &e.LastSeen); err != nil {
			return nil, fmt.Errorf("scan error summary: %w", err)
		}

		errs = append(errs, e)
	}

	return errs, rows.Err()
}

func (s *Service) computeToolDetail(ctx context.Context, tool, period string, window time.Duration) (ToolDetail, error) {
	since := time.Now().UTC().Add(-window)

	detail := ToolDetail{Tool: tool, Period: period}

	row := s.conn.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'success'),
		       COUNT(*) FILTER (WHERE status = 'error')
		FROM raw_events
		WHERE tool = $1 AND created_at >= $2
	`, tool, since)

	if err := row.Scan(&detail.TotalCalls, &detail.SuccessCalls, &detail.ErrorCalls); err != nil {
		return ToolDetail{}, fmt.Errorf("tool detail totals: %w", err)
	}

	if detail.TotalCalls == 0 {
		return ToolDetail{}, ErrToolNotFound
	}

	series, err := s.dailySeries(ctx, tool, since)
	if err != nil {
		return ToolDetail{}, err
	}

	detail.DailySeries = series

	versions, err := s.distribution(ctx, tool, since, "version")
	if err != nil {
		return ToolDetail{}, err
	}

	detail.VersionDistribution = versions

	countries, err := s.distribution(ctx, tool, since, "country")
	if err != nil {
		return ToolDetail{}, err
	}

	detail.CountryDistribution = countries

	return detail, nil
}

func (s *Service) dailySeries(ctx context.Context, tool string, since time.Time) ([]DailyPoint, error) {
	rows, err := s.conn.DB.QueryContext(ctx, `
		SELECT date_trunc('day', created_at) AS day,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'success'),
		       COUNT(*) FILTER (WHERE status = 'error'),
		       COALESCE(AVG(response_time_ms), 0)
		FROM raw_events
		WHERE tool = $1 AND created_at >= $2
		GROUP BY day
		ORDER BY day ASC
	`, tool, since)
	if err != nil {
		return nil, fmt.Errorf("daily series: %w", err)
	}
	defer rows.Close()

	var points []DailyPoint

	for rows.Next() {
		var p DailyPoint
		if err := rows.Scan(&p.Date, &p.TotalCalls, &p.SuccessCalls, &p.ErrorCalls, &p.AvgResponseTimeMs); err != nil {
			return nil, fmt.Errorf("scan daily point: %w", err)
		}

		points = append(points, p)
	}

	return points, rows.Err()
}

func (s *Service) distribution(ctx context.Context, tool string, since time.Time, column string) ([]Distribution, error) {
	if column != "version" && column != "country" {
		return nil, fmt.Errorf("unsupported distribution column %q", column)
	}

	rows, err := s.conn.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, COUNT(*)
		FROM raw_events
		WHERE tool = $1 AND created_at >= $2
		GROUP BY %s
		ORDER BY COUNT(*) DESC
	`, column, column), tool, since)
	if err != nil {
		return nil, fmt.Errorf("distribution %s: %w", column, err)
	}
	defer rows.Close()

	var dist []Distribution

	for rows.Next() {
		var d Distribution
		if err := rows.Scan(&d.Key, &d.Calls); err != nil {
			return nil, fmt.Errorf("scan distribution %s: %w", column, err)
		}

		dist = append(dist, d)
	}

	return dist, rows.Err()
}

func (s *Service) computePerformance(ctx context.Context, period string, window time.Duration) (PerformanceStats, error) {
	since := time.Now().UTC().Add(-window)

	var p PerformanceStats

	row := s.conn.DB.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(response_time_ms), 0),
		       COALESCE(percentile_cont(0.5) WITHIN GROUP (ORDER BY response_time_ms), 0),
		       COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY response_time_ms), 0),
		       COALESCE(percentile_cont(0.99) WITHIN GROUP (ORDER BY response_time_ms), 0),
		       COUNT(*) FILTER (WHERE cache_hit = true),
		       COUNT(*) FILTER (WHERE cache_hit = false)
		FROM raw_events
		WHERE created_at >= $1 AND response_time_ms IS NOT NULL
	`, since)

	if err := row.Scan(
		&p.AvgResponseTimeMs, &p.P50ResponseTimeMs, &p.P95ResponseTimeMs, &p.P99ResponseTimeMs,
		&p.CacheHitCount, &p.CacheMissCount,
	); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return PerformanceStats{}, fmt.Errorf("performance totals: %w", err)
	}

	if total := p.CacheHitCount + p.CacheMissCount; total > 0 {
		p.CacheHitRate = float64(p.CacheHitCount) / float64(total)
	}

	services, err := s.serviceDistribution(ctx, since)
	if err != nil {
		return PerformanceStats{}, err
	}

	p.ServiceDistribution = services
	p.Period = period

	return p, nil
}

func (s *Service) serviceDistribution(ctx context.Context, since time.Time) ([]Distribution, error) {
	rows, err := s.conn.DB.QueryContext(ctx, `
		SELECT service, COUNT(*)
		FROM raw_events
		WHERE created_at >= $1 AND service IS NOT NULL
		GROUP BY service
		ORDER BY COUNT(*) DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("service distribution: %w", err)
	}
	defer rows.Close()

	var dist []Distribution

	for rows.Next() {
		var d Distribution
		if err := rows.Scan(&d.Key, &d.Calls); err != nil {
			return nil, fmt.Errorf("scan service distribution: %w", err)
		}

		dist = append(dist, d)
	}

	return dist, rows.Err()
}
