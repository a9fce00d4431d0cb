package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/costlens/costlens/internal/store"
	"github.com/costlens/costlens/span"
	"github.com/costlens/costlens/tree"
)

type spansResponse struct {
	Items      []*span.Span `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type traceDetailResponse struct {
	TraceID       string       `json:"trace_id"`
	SpanCount     int          `json:"span_count"`
	TotalCostUSD  float64      `json:"total_cost_usd"`
	UnpricedSpans int          `json:"unpriced_spans"`
	Roots         []*tree.Node `json:"roots"`
	Spans         []*span.Span `json:"spans"`
}

// SpansHandler lists stored spans newest-first with cursor pagination.
func SpansHandler(st store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if st == nil {
			writeError(w, http.StatusServiceUnavailable, "span store is not configured")
			return
		}

		filter, err := parseSpanFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := st.QuerySpans(r.Context(), filter)
		if err != nil {
			if errors.Is(err, store.ErrInvalidCursor) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to query spans")
			return
		}

		items := result.Items
		if items == nil {
			items = []*span.Span{}
		}
		writeJSON(w, http.StatusOK, spansResponse{
			Items:      items,
			NextCursor: result.NextCursor,
		})
	})
}

// TraceDetailHandler returns every span of one trace, both flat and
// assembled into its tree with per-subtree cost roll-ups.
func TraceDetailHandler(st store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if st == nil {
			writeError(w, http.StatusServiceUnavailable, "span store is not configured")
			return
		}

		traceID, ok := parseTracePath(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		spans, err := st.TraceSpans(r.Context(), traceID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read trace")
			return
		}
		if len(spans) == 0 {
			writeError(w, http.StatusNotFound, "trace not found")
			return
		}

		roots := tree.Build(spans)
		unpriced := 0
		for _, s := range spans {
			if s.Unpriced {
				unpriced++
			}
		}

		writeJSON(w, http.StatusOK, traceDetailResponse{
			TraceID:       traceID,
			SpanCount:     len(spans),
			TotalCostUSD:  tree.TotalCost(roots),
			UnpricedSpans: unpriced,
			Roots:         roots,
			Spans:         spans,
		})
	})
}

func parseTracePath(path string) (string, bool) {
	const prefix = "/api/traces/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	id := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func parseSpanFilter(r *http.Request) (store.Filter, error) {
	query := r.URL.Query()
	limit, err := parseIntQuery(query.Get("limit"), "limit", 0, 500)
	if err != nil {
		return store.Filter{}, err
	}

	from, err := parseTimeQuery(query.Get("from"), false)
	if err != nil {
		return store.Filter{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := parseTimeQuery(query.Get("to"), true)
	if err != nil {
		return store.Filter{}, fmt.Errorf("invalid to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return store.Filter{}, fmt.Errorf("to must be greater than or equal to from")
	}

	return store.Filter{
		TraceID:  strings.TrimSpace(query.Get("trace_id")),
		Provider: strings.TrimSpace(query.Get("provider")),
		Model:    strings.TrimSpace(query.Get("model")),
		Label:    strings.TrimSpace(query.Get("label")),
		Kind:     strings.TrimSpace(query.Get("kind")),
		Status:   strings.TrimSpace(query.Get("status")),
		From:     from,
		To:       to,
		Limit:    limit,
		Cursor:   strings.TrimSpace(query.Get("cursor")),
	}, nil
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

func parseTimeQuery(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02" {
			parsed, err := time.ParseInLocation(layout, value, time.UTC)
			if err == nil {
				if endOfDay {
					return parsed.Add(24*time.Hour - time.Nanosecond), nil
				}
				return parsed, nil
			}
			continue
		}
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}
