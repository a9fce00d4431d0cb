package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/costlens/costlens/migrations"
	"github.com/costlens/costlens/span"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{DSN: dsn, db: db}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const postgresInsertSpan = `
INSERT INTO spans (
    trace_id,
    span_id,
    parent_span_id,
    kind,
    label,
    label_path,
    provider,
    model,
    input_tokens,
    output_tokens,
    cached_input_tokens,
    call_count,
    cost_usd,
    unpriced,
    latency_ms,
    status,
    started_at,
    end_user_id,
    received_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
ON CONFLICT (trace_id, span_id) DO NOTHING`

func (s *PostgresStore) IngestSpans(ctx context.Context, spans []*span.Span) (IngestStats, error) {
	stats := IngestStats{}
	if len(spans) == 0 {
		return stats, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin postgres ingest transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, postgresInsertSpan)
	if err != nil {
		return stats, fmt.Errorf("prepare postgres span insert: %w", err)
	}
	defer stmt.Close()

	receivedAt := time.Now().UTC()
	for _, item := range spans {
		if item == nil {
			continue
		}
		row := *item
		row.Normalize()
		res, err := stmt.ExecContext(ctx,
			row.TraceID,
			row.SpanID,
			row.ParentSpanID,
			string(row.Kind),
			row.Label,
			row.LabelPath,
			row.Provider,
			row.Model,
			row.Usage.InputTokens,
			row.Usage.OutputTokens,
			row.Usage.CachedInputTokens,
			row.Usage.CallCount,
			row.CostUSD,
			row.Unpriced,
			row.LatencyMS,
			string(row.Status),
			row.StartedAt,
			row.EndUserID,
			receivedAt,
		)
		if err != nil {
			return IngestStats{}, fmt.Errorf("ingest span %q: %w", row.SpanID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return IngestStats{}, fmt.Errorf("read ingest row count: %w", err)
		}
		if affected > 0 {
			stats.Accepted++
		} else {
			stats.Duplicates++
		}
	}

	if err := tx.Commit(); err != nil {
		return IngestStats{}, fmt.Errorf("commit postgres ingest transaction: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) GetSpan(ctx context.Context, traceID, spanID string) (*span.Span, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+spanSelectColumns+` FROM spans WHERE trace_id = $1 AND span_id = $2`,
		traceID, spanID,
	)
	item, err := scanSpan(row, parseSQLiteTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get span %q: %w", spanID, err)
	}
	return item, nil
}

func (s *PostgresStore) TraceSpans(ctx context.Context, traceID string) ([]*span.Span, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+spanSelectColumns+` FROM spans WHERE trace_id = $1 ORDER BY started_at ASC, span_id ASC`,
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query trace %q spans: %w", traceID, err)
	}
	defer rows.Close()
	return collectSpans(rows, parseSQLiteTime)
}

func (s *PostgresStore) QuerySpans(ctx context.Context, filter Filter) (*Result, error) {
	ph := &placeholders{numbered: true}
	where, args := filterWhere(filter, ph, postgresTimeArg)

	if filter.Cursor != "" {
		startedAt, spanID, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		prefix := " WHERE "
		if where != "" {
			prefix = where + " AND "
		}
		where = prefix + fmt.Sprintf("(started_at < %s OR (started_at = %s AND span_id < %s))",
			ph.next(), ph.next(), ph.next())
		args = append(args, startedAt, startedAt, spanID)
	}

	limit := clampLimit(filter.Limit)
	query := `SELECT ` + spanSelectColumns + ` FROM spans` + where +
		` ORDER BY started_at DESC, span_id DESC LIMIT ` + fmt.Sprint(limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	defer rows.Close()

	items, err := collectSpans(rows, parseSQLiteTime)
	if err != nil {
		return nil, err
	}
	return paginate(items, limit), nil
}

func (s *PostgresStore) CostSummary(ctx context.Context, filter Filter) (*CostSummary, error) {
	ph := &placeholders{numbered: true}
	where, args := filterWhere(filter, ph, postgresTimeArg)

	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0), COUNT(*), COUNT(*) FILTER (WHERE unpriced) FROM spans`+where,
		args...,
	)
	summary := &CostSummary{}
	if err := row.Scan(&summary.TotalCostUSD, &summary.SpanCount, &summary.UnpricedSpans); err != nil {
		return nil, fmt.Errorf("query cost summary: %w", err)
	}
	return summary, nil
}

func (s *PostgresStore) UsageSummary(ctx context.Context, filter Filter) (*UsageSummary, error) {
	ph := &placeholders{numbered: true}
	where, args := filterWhere(filter, ph, postgresTimeArg)

	row := s.db.QueryRowContext(ctx,
		`SELECT
    COALESCE(SUM(input_tokens), 0),
    COALESCE(SUM(output_tokens), 0),
    COALESCE(SUM(cached_input_tokens), 0),
    COALESCE(SUM(call_count), 0)
FROM spans`+where,
		args...,
	)
	summary := &UsageSummary{}
	if err := row.Scan(
		&summary.TotalInputTokens,
		&summary.TotalOutputTokens,
		&summary.TotalCachedInputTokens,
		&summary.TotalCallCount,
	); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return summary, nil
}

func (s *PostgresStore) CostByGroup(ctx context.Context, filter Filter, groupBy string) ([]GroupCost, error) {
	column, err := groupColumn(groupBy)
	if err != nil {
		return nil, err
	}

	ph := &placeholders{numbered: true}
	where, args := filterWhere(filter, ph, postgresTimeArg)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*), COALESCE(SUM(cost_usd), 0), COUNT(*) FILTER (WHERE unpriced)
FROM spans`+where+`
GROUP BY `+column+`
ORDER BY SUM(cost_usd) DESC, `+column+` ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query cost by %s: %w", groupBy, err)
	}
	defer rows.Close()

	out := make([]GroupCost, 0, 16)
	for rows.Next() {
		var row GroupCost
		if err := rows.Scan(&row.Group, &row.SpanCount, &row.TotalCostUSD, &row.UnpricedSpans); err != nil {
			return nil, fmt.Errorf("scan cost group row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cost group rows: %w", err)
	}
	return out, nil
}

func postgresTimeArg(t time.Time) any {
	return t.UTC()
}
