package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/costlens/costlens/internal/store"
)

type costResponse struct {
	TotalCostUSD  float64 `json:"total_cost_usd"`
	SpanCount     int64   `json:"span_count"`
	UnpricedSpans int64   `json:"unpriced_spans"`
}

type costGroupResponse struct {
	GroupBy string          `json:"group_by"`
	Items   []costGroupItem `json:"items"`
}

type costGroupItem struct {
	Group         string  `json:"group"`
	SpanCount     int64   `json:"span_count"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	UnpricedSpans int64   `json:"unpriced_spans"`
}

type usageResponse struct {
	TotalInputTokens       int64 `json:"total_input_tokens"`
	TotalOutputTokens      int64 `json:"total_output_tokens"`
	TotalCachedInputTokens int64 `json:"total_cached_input_tokens"`
	TotalTokens            int64 `json:"total_tokens"`
	TotalCallCount         int64 `json:"total_call_count"`
}

// CostHandler aggregates cost over a filter window. With group_by set it
// returns a breakdown by provider, model, label, or kind instead.
func CostHandler(st store.Store) http.Handler {
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

		groupBy := strings.TrimSpace(r.URL.Query().Get("group_by"))
		if groupBy == "" {
			summary, err := st.CostSummary(r.Context(), filter)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to aggregate cost")
				return
			}
			writeJSON(w, http.StatusOK, costResponse{
				TotalCostUSD:  summary.TotalCostUSD,
				SpanCount:     summary.SpanCount,
				UnpricedSpans: summary.UnpricedSpans,
			})
			return
		}

		if err := validateGroupBy(groupBy); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		groups, err := st.CostByGroup(r.Context(), filter, groupBy)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to aggregate cost")
			return
		}

		items := make([]costGroupItem, 0, len(groups))
		for _, g := range groups {
			items = append(items, costGroupItem{
				Group:         g.Group,
				SpanCount:     g.SpanCount,
				TotalCostUSD:  g.TotalCostUSD,
				UnpricedSpans: g.UnpricedSpans,
			})
		}
		writeJSON(w, http.StatusOK, costGroupResponse{
			GroupBy: groupBy,
			Items:   items,
		})
	})
}

// UsageHandler aggregates token and call counts over a filter window.
func UsageHandler(st store.Store) http.Handler {
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

		summary, err := st.UsageSummary(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to aggregate usage")
			return
		}

		writeJSON(w, http.StatusOK, usageResponse{
			TotalInputTokens:       summary.TotalInputTokens,
			TotalOutputTokens:      summary.TotalOutputTokens,
			TotalCachedInputTokens: summary.TotalCachedInputTokens,
			TotalTokens:            summary.TotalInputTokens + summary.TotalOutputTokens + summary.TotalCachedInputTokens,
			TotalCallCount:         summary.TotalCallCount,
		})
	})
}

func validateGroupBy(groupBy string) error {
	switch groupBy {
	case store.GroupByProvider, store.GroupByModel, store.GroupByLabel, store.GroupByKind:
		return nil
	default:
		return fmt.Errorf("group_by must be one of provider, model, label, kind")
	}
}
