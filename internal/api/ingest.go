package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/costlens/costlens/internal/store"
	"github.com/costlens/costlens/span"
)

const defaultIngestBodyLimit = 4 << 20

type IngestOptions struct {
	Store    store.Store
	Logger   *slog.Logger
	Metrics  IngestMetrics
	MaxBytes int64
}

type ingestResponse struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

// IngestHandler accepts span batches from SDK exporters. Ingestion is
// idempotent: a span the store already holds counts as a duplicate and
// the batch still succeeds, so exporter retries never fail on replay.
func IngestHandler(options IngestOptions) http.Handler {
	if options.MaxBytes <= 0 {
		options.MaxBytes = defaultIngestBodyLimit
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		if options.Store == nil {
			writeError(w, http.StatusServiceUnavailable, "span store is not configured")
			return
		}

		defer r.Body.Close()
		r.Body = http.MaxBytesReader(w, r.Body, options.MaxBytes)

		spans, err := span.DecodeBatch(r.Body)
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeError(w, http.StatusRequestEntityTooLarge, "span batch too large")
				return
			}
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if len(spans) == 0 {
			writeJSON(w, http.StatusOK, ingestResponse{})
			return
		}

		stats, err := options.Store.IngestSpans(r.Context(), spans)
		if err != nil {
			class := store.ClassifyError(err)
			options.Logger.Error("span ingest failed",
				"error", err,
				"error_class", class,
				"batch_size", len(spans))
			if options.Metrics != nil {
				options.Metrics.RecordIngestFailure(class, len(spans))
			}
			if class == store.ErrorClassConnection || class == store.ErrorClassTimeout {
				writeError(w, http.StatusServiceUnavailable, "storage unavailable")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to store spans")
			return
		}

		if options.Metrics != nil {
			options.Metrics.RecordIngest(stats.Accepted, stats.Duplicates)
		}
		writeJSON(w, http.StatusOK, ingestResponse{
			Accepted:   stats.Accepted,
			Duplicates: stats.Duplicates,
		})
	})
}
