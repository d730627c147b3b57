// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvesterFetchesTotal             *prometheus.CounterVec
	harvesterFetchDurationSeconds     *prometheus.HistogramVec
	harvesterEgressSelectionsTotal    *prometheus.CounterVec
	harvesterEgressQuarantinesTotal   *prometheus.CounterVec
	harvesterEgressDirectRetriesTotal prometheus.Counter
	harvesterSessionElectionsTotal    *prometheus.CounterVec
	harvesterRenderPromotionsTotal    *prometheus.CounterVec
	harvesterBacklogPending           prometheus.Gauge
	harvesterPacingDelaySeconds       *prometheus.HistogramVec
	httpRequestsTotal                 *prometheus.CounterVec
	httpRequestDurationSeconds        *prometheus.HistogramVec

	once sync.Once
)

// Session election outcomes.
const (
	ElectionAttached = "attached"
	ElectionLaunched = "launched"
	ElectionTimeout  = "timeout"
)

// Fetch modes.
const (
	ModeStatic   = "static"
	ModeRendered = "rendered"
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvesterFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetches_total",
				Help: "Total unit fetches, labeled by source, mode, and status code.",
			},
			[]string{"source", "mode", "status"},
		)

		harvesterFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Histogram of unit fetch latencies, labeled by source and mode.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"source", "mode"},
		)

		harvesterEgressSelectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_egress_selections_total",
				Help: "Total egress path selections, labeled by path address.",
			},
			[]string{"egress"},
		)

		harvesterEgressQuarantinesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_egress_quarantines_total",
				Help: "Total egress path quarantines, labeled by path address.",
			},
			[]string{"egress"},
		)

		harvesterEgressDirectRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_egress_direct_retries_total",
				Help: "Total fetches retried without a proxy after an egress failure.",
			},
		)

		harvesterSessionElectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_session_elections_total",
				Help: "Total browser session elections, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		harvesterRenderPromotionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_render_promotions_total",
				Help: "Static fetches redone in the shared browser, labeled by source.",
			},
			[]string{"source"},
		)

		harvesterBacklogPending = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_backlog_pending",
				Help: "Listings currently awaiting downstream review.",
			},
		)

		harvesterPacingDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_pacing_delay_seconds",
				Help:    "Histogram of per-host pacing wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
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
	})
}

// SanitizeHost sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one completed unit fetch.
func ObserveFetch(source, mode string, status int, duration time.Duration) {
	harvesterFetchesTotal.WithLabelValues(source, mode, strconv.Itoa(status)).Inc()
	harvesterFetchDurationSeconds.WithLabelValues(source, mode).Observe(duration.Seconds())
}

// ObserveEgressSelection records that a path was handed out.
func ObserveEgressSelection(addr string) {
	harvesterEgressSelectionsTotal.WithLabelValues(addr).Inc()
}

// ObserveEgressQuarantine records a path entering quarantine.
func ObserveEgressQuarantine(addr string) {
	harvesterEgressQuarantinesTotal.WithLabelValues(addr).Inc()
}

// ObserveEgressDirectRetry records a fallback fetch without a proxy.
func ObserveEgressDirectRetry() {
	harvesterEgressDirectRetriesTotal.Inc()
}

// ObserveSessionElection records a browser election outcome.
func ObserveSessionElection(outcome string) {
	harvesterSessionElectionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRenderPromotion records a static fetch promoted to the browser.
func ObserveRenderPromotion(source string) {
	harvesterRenderPromotionsTotal.WithLabelValues(source).Inc()
}

// SetBacklogPending records the current review backlog size.
func SetBacklogPending(n int64) {
	harvesterBacklogPending.Set(float64(n))
}

// ObservePacingDelay records the duration of a pacing wait.
func ObservePacingDelay(host string, duration time.Duration) {
	harvesterPacingDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
