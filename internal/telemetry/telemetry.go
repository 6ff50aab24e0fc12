// Package telemetry holds the Prometheus collectors and HTTP middleware shared by
// the acquisition engine and the serving boundary.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	acquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsstand_acquire_total",
			Help: "Acquisition attempts, labeled by source and outcome.",
		},
		[]string{"source", "outcome"},
	)

	fetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsstand_fetch_bytes_total",
			Help: "Document bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	rasterDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "newsstand_raster_duration_seconds",
			Help:    "Time spent converting a document into a raster.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	passesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsstand_refresh_passes_total",
			Help: "Refresh passes, labeled by status.",
		},
		[]string{"status"},
	)

	passDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "newsstand_refresh_pass_duration_seconds",
			Help:    "Wall time of a refresh pass.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
	)

	sweptDatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "newsstand_swept_dates_total",
			Help: "Date partitions removed by the retention sweeper.",
		},
	)

	selectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsstand_selections_total",
			Help: "Rotation selections, labeled by result.",
		},
		[]string{"result"},
	)

	catalogAnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsstand_catalog_anomalies_total",
			Help: "Cached or reported identifiers that the catalogs do not know, labeled by kind.",
		},
		[]string{"kind"},
	)

	inFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "newsstand_acquire_in_flight",
			Help: "Artifact keys currently being acquired.",
		},
	)

	devicePollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsstand_device_polls_total",
			Help: "Device status polls, labeled by status.",
		},
		[]string{"status"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "newsstand_rate_limit_delays_seconds",
			Help:    "Histogram of outbound rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			routePattern = rctx.RoutePattern()
		}
		if routePattern == "" {
			routePattern = "unknown"
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeSite extracts the hostname from a URL.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveAcquire records the outcome of one acquisition attempt.
func ObserveAcquire(source, outcome string) {
	acquireTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveFetch records bytes downloaded from site.
func ObserveFetch(site string, bytesFetched int) {
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesFetched))
	}
}

// ObserveRaster records a document conversion.
func ObserveRaster(duration time.Duration) {
	rasterDurationSeconds.Observe(duration.Seconds())
}

// ObservePass records a completed refresh pass.
func ObservePass(status string, duration time.Duration) {
	passesTotal.WithLabelValues(status).Inc()
	passDurationSeconds.Observe(duration.Seconds())
}

// ObserveSweep records the number of date partitions removed.
func ObserveSweep(deleted int) {
	if deleted > 0 {
		sweptDatesTotal.Add(float64(deleted))
	}
}

// ObserveSelection records a rotation selection result.
func ObserveSelection(result string) {
	selectionsTotal.WithLabelValues(result).Inc()
}

// ObserveCatalogAnomaly records an identifier missing from a catalog.
func ObserveCatalogAnomaly(kind string) {
	catalogAnomaliesTotal.WithLabelValues(kind).Inc()
}

// IncInFlight increments the in-flight acquisition gauge.
func IncInFlight() {
	inFlight.Inc()
}

// DecInFlight decrements the in-flight acquisition gauge.
func DecInFlight() {
	inFlight.Dec()
}

// ObserveDevicePoll records a device status poll.
func ObserveDevicePoll(status string) {
	devicePollsTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
