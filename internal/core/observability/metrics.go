package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~80s
		},
		[]string{"method", "route", "status"},
	)

	windowFetchSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "source_window_fetch_seconds",
			Help:    "Latency of one paginated window query.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"dataset", "outcome"},
	)

	chunksEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_chunks_emitted_total",
			Help: "NDJSON chunks written to clients.",
		},
		[]string{"dataset"},
	)

	featuresEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_features_emitted_total",
			Help: "Features written to clients inside chunks.",
		},
		[]string{"dataset"},
	)

	rowsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_rows_skipped_total",
			Help: "Rows dropped by row-scoped failures.",
		},
		[]string{"dataset", "reason"},
	)

	streamFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_failures_total",
			Help: "Streams aborted by a fatal error.",
		},
		[]string{"dataset", "kind"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Cache results by outcome.",
		},
		[]string{"dataset", "outcome"},
	)

	cacheOpSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_seconds",
			Help:    "Latency of cache backend operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "result"},
	)

	cachePayloadBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_payload_bytes",
			Help: "Size of the last committed payload per dataset.",
		},
		[]string{"dataset"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveWindowFetch(dataset string, err error, durationSeconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	windowFetchSeconds.WithLabelValues(dataset, outcome).Observe(durationSeconds)
}

func AddChunk(dataset string, features int) {
	chunksEmitted.WithLabelValues(dataset).Inc()
	featuresEmitted.WithLabelValues(dataset).Add(float64(features))
}

func IncRowSkipped(dataset, reason string) {
	rowsSkipped.WithLabelValues(dataset, reason).Inc()
}

func IncStreamFailure(dataset, kind string) {
	streamFailures.WithLabelValues(dataset, kind).Inc()
}

// IncCacheResult records hit, miss or shared for a dataset lookup.
func IncCacheResult(dataset, outcome string) {
	cacheResults.WithLabelValues(dataset, outcome).Inc()
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	cacheOpSeconds.WithLabelValues(op, res).Observe(durationSeconds)
}

func SetCachePayloadBytes(dataset string, n int) {
	cachePayloadBytes.WithLabelValues(dataset).Set(float64(n))
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
