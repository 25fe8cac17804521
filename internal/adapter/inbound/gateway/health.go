package gateway

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AntimatterEnterprises/ongarde/internal/domain/scan"
	"github.com/AntimatterEnterprises/ongarde/internal/health"
)

// HealthState bundles the observability surfaces for the health endpoints.
type HealthState struct {
	Latency         *health.ScanLatencyTracker
	Streaming       *health.StreamingMetricsTracker
	Calibration     scan.CalibrationResult
	WorkerAvailable bool
}

// NewRouter assembles the gateway's HTTP surface: the health and metrics
// endpoints plus the catch-all proxy route behind the body-size
// middleware.
func NewRouter(h *Handler, hs HealthState, registry *prometheus.Registry, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"avg_scan_ms": hs.Latency.AvgMs(),
			"p99_scan_ms": hs.Latency.P99Ms(),
		})
	})

	mux.HandleFunc("/health/scanner", func(w http.ResponseWriter, r *http.Request) {
		measurements := make(map[int]float64, len(hs.Calibration.Measurements))
		for size, p99 := range hs.Calibration.Measurements {
			measurements[size] = float64(p99.Microseconds()) / 1000.0
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"healthy":             true,
			"nlp_available":       hs.WorkerAvailable,
			"avg_scan_ms":         hs.Latency.AvgMs(),
			"p99_scan_ms":         hs.Latency.P99Ms(),
			"scan_count":          hs.Latency.Count(),
			"streaming_active":    hs.Streaming.ActiveCount(),
			"window_scan_avg_ms":  hs.Streaming.WindowAvgMs(),
			"window_scan_p99_ms":  hs.Streaming.WindowP99Ms(),
			"window_scan_count":   hs.Streaming.WindowScanCount(),
			"calibration_tier":    hs.Calibration.Tier,
			"calibration_ok":      hs.Calibration.OK,
			"sync_cap":            hs.Calibration.SyncCap,
			"timeout_ms":          float64(hs.Calibration.Timeout.Microseconds()) / 1000.0,
			"measurements_p99_ms": measurements,
			"fallback_reason":     hs.Calibration.FallbackReason,
		})
	})

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.Handle("/", BodySizeLimit(logger, h))

	return mux
}
