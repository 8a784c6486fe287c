package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/weather-mcp/analytics-server/internal/events"
)

// RawStore persists validated events as raw rows, one transaction per batch.
type RawStore interface {
	// InsertBatch writes the whole batch in a single transaction. No partial
	// acceptance: either every row lands or none do.
	InsertBatch(ctx context.Context, batch []events.Event) error
}

type rawStore struct {
	db *Connection
}

// NewRawStore returns a RawStore backed by conn.
func NewRawStore(conn *Connection) RawStore {
	return &rawStore{db: conn}
}

var _ RawStore = (*rawStore)(nil)

const insertRawEventsColumns = 15

func (s *rawStore) InsertBatch(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin raw insert transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sb strings.Builder

	sb.WriteString(`INSERT INTO raw_events
		(id, version, tool, status, timestamp_hour, analytics_level, response_time_ms,
		 service, cache_hit, retry_count, country, error_type, parameters, session_id, sequence_number)
		VALUES `)

	args := make([]any, 0, len(batch)*insertRawEventsColumns)

	for i, e := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}

		base := i * insertRawEventsColumns
		placeholders := make([]string, insertRawEventsColumns)

		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", base+j+1)
		}

		sb.WriteString("(" + strings.Join(placeholders, ", ") + ")")

		var paramsJSON []byte
		if e.Parameters != nil {
			paramsJSON, err = json.Marshal(e.Parameters)
			if err != nil {
				return fmt.Errorf("marshal parameters: %w", err)
			}
		}

		country := ""
		if e.Country != nil {
			country = *e.Country
		}

		args = append(args,
			uuid.NewString(), e.Version, e.Tool, string(e.Status), e.TimestampHour, string(e.AnalyticsLevel),
			nullableInt(e.ResponseTimeMs), nullableStr(e.Service), nullableBool(e.CacheHit),
			nullableInt(e.RetryCount), country, nullableStr(e.ErrorType), nullableJSON(paramsJSON),
			nullableStr(e.SessionID), nullableInt64(e.SequenceNumber),
		)
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert raw events batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit raw insert transaction: %w", err)
	}

	return nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}

	return *v
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}

	return *v
}

func nullableBool(v *bool) any {
	if v == nil {
		return nil
	}

	return *v
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}

	return *v
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}

	return b
}
