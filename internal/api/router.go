// Package api exposes the collector's HTTP surface: span ingestion,
// trace reconstruction, and cost analytics.
package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/costlens/costlens/internal/store"
)

// IngestMetrics receives ingest outcome counts. The observability
// runtime satisfies it; nil disables the hooks.
type IngestMetrics interface {
	RecordIngest(accepted, duplicates int)
	RecordIngestFailure(errorClass string, batchSize int)
}

type RouterOptions struct {
	AppVersion    string
	Store         store.Store
	StorageDriver string
	StoragePath   string
	Logger        *slog.Logger
	Metrics       IngestMetrics
	// MaxIngestBytes caps the ingest request body; zero means the default.
	MaxIngestBytes int64
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	mux := http.NewServeMux()

	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Store:         options.Store,
	}))
	mux.Handle("/api/v1/spans", IngestHandler(IngestOptions{
		Store:    options.Store,
		Logger:   options.Logger,
		Metrics:  options.Metrics,
		MaxBytes: options.MaxIngestBytes,
	}))
	mux.Handle("/api/spans", SpansHandler(options.Store))
	mux.Handle("/api/traces/", TraceDetailHandler(options.Store))
	mux.Handle("/api/analytics/cost", CostHandler(options.Store))
	mux.Handle("/api/analytics/usage", UsageHandler(options.Store))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "costlens collector",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(mux)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func withCORS(next http.Handler) http.Handler {
	allowedHeaders := strings.Join([]string{
		"Content-Type", "Authorization", "X-API-Key", "X-Costlens-Client-Timestamp",
	}, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
