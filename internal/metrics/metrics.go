// Package metrics holds the prometheus collectors shared by the client, the build
// pipeline and the content server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hotupdate"

// Run outcomes
const (
	OutcomeUpToDate = "up_to_date"
	OutcomeDelta    = "delta"
	OutcomeFull     = "full"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)

var (
	updateRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "runs_total",
			Help:      "Update runs by outcome",
		},
		[]string{"outcome"},
	)

	updateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "run_duration_seconds",
			Help:      "Duration of update runs",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	deltaFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "delta_fallbacks_total",
			Help:      "Delta attempts abandoned in favour of a full download, by failing step",
		},
		[]string{"step"},
	)

	downloadedBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "downloaded_bytes_total",
			Help:      "Bytes downloaded by artifact kind",
		},
		[]string{"kind"},
	)

	patchesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "patches_total",
			Help:      "Patch generation attempts by result",
		},
		[]string{"result"},
	)

	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Requests served by route and status code",
		},
		[]string{"route", "code"},
	)
)

func RecordRun(outcome string, d time.Duration) {
	updateRuns.WithLabelValues(outcome).Inc()
	updateDuration.Observe(d.Seconds())
}

func RecordFallback(step string) {
	deltaFallbacks.WithLabelValues(step).Inc()
}

func RecordDownload(kind string, n int64) {
	downloadedBytes.WithLabelValues(kind).Add(float64(n))
}

func RecordPatch(result string) {
	patchesGenerated.WithLabelValues(result).Inc()
}

func RecordRequest(route string, code int) {
	httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// Handler exposes the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
