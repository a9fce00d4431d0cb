package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/costlens/costlens/internal/store"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Store         store.Store
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSec     int64  `json:"uptime_sec"`
	StorageDriver string `json:"storage_driver"`
	StorageOK     bool   `json:"storage_ok"`
	SpanCount     int64  `json:"span_count"`
	DBSizeBytes   int64  `json:"db_size_bytes,omitempty"`
}

func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		uptime := time.Since(options.StartedAt)
		storageOK := false
		spanCount := int64(0)
		if options.Store != nil {
			if err := options.Store.Ping(r.Context()); err == nil {
				storageOK = true
			}
			if summary, err := options.Store.CostSummary(r.Context(), store.Filter{}); err == nil {
				spanCount = summary.SpanCount
			}
		}

		dbSizeBytes := int64(0)
		if strings.EqualFold(options.StorageDriver, "sqlite") && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				dbSizeBytes = info.Size()
			}
		}

		status := "ok"
		httpStatus := http.StatusOK
		if !storageOK {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}

		writeJSON(w, httpStatus, healthResponse{
			Status:        status,
			Version:       options.Version,
			UptimeSec:     int64(uptime.Seconds()),
			StorageDriver: options.StorageDriver,
			StorageOK:     storageOK,
			SpanCount:     spanCount,
			DBSizeBytes:   dbSizeBytes,
		})
	})
}
