package store

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

// placeholders generates driver-appropriate SQL placeholders: "?" for
// sqlite, "$1", "$2", ... for postgres.
type placeholders struct {
	numbered bool
	n        int
}

func (p *placeholders) next() string {
	p.n++
	if p.numbered {
		return fmt.Sprintf("$%d", p.n)
	}
	return "?"
}

// filterWhere renders the shared filter into a WHERE clause fragment.
// timeArg converts timestamps to the driver's preferred bind type: RFC3339
// text for sqlite, time.Time for postgres.
func filterWhere(f Filter, ph *placeholders, timeArg func(time.Time) any) (string, []any) {
	clauses := make([]string, 0, 8)
	args := make([]any, 0, 8)

	add := func(clause string, value any) {
		clauses = append(clauses, fmt.Sprintf(clause, ph.next()))
		args = append(args, value)
	}

	if f.TraceID != "" {
		add("trace_id = %s", f.TraceID)
	}
	if f.Provider != "" {
		add("provider = %s", f.Provider)
	}
	if f.Model != "" {
		add("model = %s", f.Model)
	}
	if f.Label != "" {
		add("label = %s", f.Label)
	}
	if f.Kind != "" {
		add("kind = %s", f.Kind)
	}
	if f.Status != "" {
		add("status = %s", f.Status)
	}
	if !f.From.IsZero() {
		add("started_at >= %s", timeArg(f.From))
	}
	if !f.To.IsZero() {
		add("started_at < %s", timeArg(f.To))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func groupColumn(groupBy string) (string, error) {
	switch groupBy {
	case GroupByProvider, GroupByModel, GroupByLabel, GroupByKind:
		return groupBy, nil
	default:
		return "", fmt.Errorf("unsupported group_by %q", groupBy)
	}
}

// Cursors encode the last row's (started_at, span_id) so pagination is
// stable under concurrent ingestion.
func encodeCursor(startedAt time.Time, spanID string) string {
	if startedAt.IsZero() || spanID == "" {
		return ""
	}
	raw := startedAt.UTC().Format(time.RFC3339Nano) + "|" + spanID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	payload, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: decode base64 cursor", ErrInvalidCursor)
	}
	parts := strings.SplitN(string(payload), "|", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return time.Time{}, "", fmt.Errorf("%w: missing span id", ErrInvalidCursor)
	}
	startedAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(parts[0]))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: parse started_at", ErrInvalidCursor)
	}
	return startedAt.UTC(), strings.TrimSpace(parts[1]), nil
}
