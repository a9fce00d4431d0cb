package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/costlens/costlens/span"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// scanSpan reads one row in spanSelectColumns order. Drivers differ in how
// they surface timestamps (text for sqlite, time.Time for postgres) and
// booleans (integer vs bool), so those columns are coerced.
func scanSpan(row rowScanner, parseTime func(string) (time.Time, error)) (*span.Span, error) {
	var (
		item      span.Span
		unpriced  any
		startedAt any
	)
	err := row.Scan(
		&item.TraceID,
		&item.SpanID,
		&item.ParentSpanID,
		&item.Kind,
		&item.Label,
		&item.LabelPath,
		&item.Provider,
		&item.Model,
		&item.Usage.InputTokens,
		&item.Usage.OutputTokens,
		&item.Usage.CachedInputTokens,
		&item.Usage.CallCount,
		&item.CostUSD,
		&unpriced,
		&item.LatencyMS,
		&item.Status,
		&startedAt,
		&item.EndUserID,
	)
	if err != nil {
		return nil, err
	}

	switch typed := unpriced.(type) {
	case bool:
		item.Unpriced = typed
	case int64:
		item.Unpriced = typed != 0
	}

	switch typed := startedAt.(type) {
	case time.Time:
		item.StartedAt = typed.UTC()
	case string:
		parsed, err := parseTime(typed)
		if err != nil {
			return nil, err
		}
		item.StartedAt = parsed
	case []byte:
		parsed, err := parseTime(string(typed))
		if err != nil {
			return nil, err
		}
		item.StartedAt = parsed
	default:
		return nil, fmt.Errorf("unexpected started_at type %T", startedAt)
	}

	return &item, nil
}

func collectSpans(rows *sql.Rows, parseTime func(string) (time.Time, error)) ([]*span.Span, error) {
	items := make([]*span.Span, 0, 32)
	for rows.Next() {
		item, err := scanSpan(rows, parseTime)
		if err != nil {
			return nil, fmt.Errorf("scan span row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate span rows: %w", err)
	}
	return items, nil
}

// paginate trims the limit+1 overfetch into one page plus a cursor.
func paginate(items []*span.Span, limit int) *Result {
	nextCursor := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		nextCursor = encodeCursor(last.StartedAt, last.SpanID)
	}
	return &Result{Items: items, NextCursor: nextCursor}
}
