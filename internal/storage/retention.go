package storage

import (
	"context"
	"fmt"
	"time"
)

// SweepRetention deletes rows older than each relation's configured
// retention window (§6.5). It is invoked periodically from the process
// entrypoint rather than on every write, since retention is a background
// housekeeping concern, not part of the write path's contract.
func SweepRetention(ctx context.Context, conn *Connection, retention RetentionConfig) error {
	deletions := []struct {
		table  string
		column string
		days   int
	}{
		{"raw_events", "created_at", retention.RawDays},
		{"daily_aggregates", "date", retention.DailyDays},
		{"hourly_aggregates", "hour", retention.HourlyDays},
		{"error_summaries", "hour", retention.ErrorDays},
	}

	for _, d := range deletions {
		cutoff := time.Now().UTC().AddDate(0, 0, -d.days)

		query := fmt.Sprintf(`DELETE FROM %s WHERE %s < $1`, d.table, d.column)
		if _, err := conn.ExecContext(ctx, query, cutoff); err != nil {
			return fmt.Errorf("sweep retention for %s: %w", d.table, err)
		}
	}

	return nil
}
