package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/costlens/costlens/migrations"
	"github.com/costlens/costlens/span"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is RFC3339 with fixed-width nanoseconds so stored text
// timestamps compare lexicographically in started_at order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when ingest requests land concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{Path: path, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqliteInsertSpan = `
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
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (trace_id, span_id) DO NOTHING`

// IngestSpans stores the batch in one transaction. Conflicting rows are
// skipped, which makes retried flushes no-ops instead of duplicates.
func (s *SQLiteStore) IngestSpans(ctx context.Context, spans []*span.Span) (IngestStats, error) {
	stats := IngestStats{}
	if len(spans) == 0 {
		return stats, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	receivedAt := time.Now().UTC().Format(sqliteTimeLayout)
	err := retrySQLiteBusy(ctx, func() error {
		stats = IngestStats{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite ingest transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, sqliteInsertSpan)
		if err != nil {
			return fmt.Errorf("prepare sqlite span insert: %w", err)
		}
		defer stmt.Close()

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
				boolToInt(row.Unpriced),
				row.LatencyMS,
				string(row.Status),
				row.StartedAt.Format(sqliteTimeLayout),
				row.EndUserID,
				receivedAt,
			)
			if err != nil {
				return fmt.Errorf("ingest span %q: %w", row.SpanID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("read ingest row count: %w", err)
			}
			if affected > 0 {
				stats.Accepted++
			} else {
				stats.Duplicates++
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite ingest transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return IngestStats{}, err
	}
	return stats, nil
}

const spanSelectColumns = `
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
end_user_id`

func (s *SQLiteStore) GetSpan(ctx context.Context, traceID, spanID string) (*span.Span, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+spanSelectColumns+` FROM spans WHERE trace_id = ? AND span_id = ?`,
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

func (s *SQLiteStore) TraceSpans(ctx context.Context, traceID string) ([]*span.Span, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+spanSelectColumns+` FROM spans WHERE trace_id = ? ORDER BY started_at ASC, span_id ASC`,
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query trace %q spans: %w", traceID, err)
	}
	defer rows.Close()
	return collectSpans(rows, parseSQLiteTime)
}

func (s *SQLiteStore) QuerySpans(ctx context.Context, filter Filter) (*Result, error) {
	ph := &placeholders{}
	where, args := filterWhere(filter, ph, sqliteTimeArg)

	if filter.Cursor != "" {
		startedAt, spanID, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, err
		}
		prefix := " WHERE "
		if where != "" {
			prefix = where + " AND "
		}
		ts := startedAt.Format(sqliteTimeLayout)
		where = prefix + fmt.Sprintf("(started_at < %s OR (started_at = %s AND span_id < %s))",
			ph.next(), ph.next(), ph.next())
		args = append(args, ts, ts, spanID)
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

func (s *SQLiteStore) CostSummary(ctx context.Context, filter Filter) (*CostSummary, error) {
	ph := &placeholders{}
	where, args := filterWhere(filter, ph, sqliteTimeArg)

	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0), COUNT(*), COALESCE(SUM(unpriced), 0) FROM spans`+where,
		args...,
	)
	summary := &CostSummary{}
	if err := row.Scan(&summary.TotalCostUSD, &summary.SpanCount, &summary.UnpricedSpans); err != nil {
		return nil, fmt.Errorf("query cost summary: %w", err)
	}
	return summary, nil
}

func (s *SQLiteStore) UsageSummary(ctx context.Context, filter Filter) (*UsageSummary, error) {
	ph := &placeholders{}
	where, args := filterWhere(filter, ph, sqliteTimeArg)

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

func (s *SQLiteStore) CostByGroup(ctx context.Context, filter Filter, groupBy string) ([]GroupCost, error) {
	column, err := groupColumn(groupBy)
	if err != nil {
		return nil, err
	}

	ph := &placeholders{}
	where, args := filterWhere(filter, ph, sqliteTimeArg)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*), COALESCE(SUM(cost_usd), 0), COALESCE(SUM(unpriced), 0)
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

func sqliteTimeArg(t time.Time) any {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(raw string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", raw, err)
	}
	return parsed.UTC(), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so ingested batches are
// not rejected during concurrent writes.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var timer *time.Timer
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}
