// ABOUTME: Prometheus metrics for connector validation, capability loading, and invocation
// ABOUTME: Registered on the default registry and served at /metrics by the gateway

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connector validation outcomes, labelled by result code ("OK" on success).
var (
	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_connect_validations_total",
			Help: "Connector validation probes, by outcome code.",
		},
		[]string{"code"},
	)

	ValidationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coven_connect_validation_duration_seconds",
			Help:    "Duration of connector validation probes.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
	)
)

// Capability loading. Attempts count every query including the retry.
var (
	ConnectorQueryAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coven_connect_connector_query_attempts_total",
			Help: "Capability queries sent to connectors, including retries.",
		},
	)

	ConnectorsSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coven_connect_connectors_skipped_total",
			Help: "Connectors left out of a capability load after the retry failed.",
		},
	)
)

// Capability invocation, labelled by source kind (system|connector) and outcome (ok|error).
var (
	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_connect_invocations_total",
			Help: "Capability invocations, by source kind and outcome.",
		},
		[]string{"source", "outcome"},
	)

	InvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coven_connect_invocation_duration_seconds",
			Help:    "Capability invocation latency, by source kind.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"source"},
	)
)

// Confirmation gate transitions, labelled by resulting state.
var ConfirmationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coven_connect_confirmations_total",
		Help: "Confirmation gate transitions, by resulting state.",
	},
	[]string{"state"},
)

// HTTP request metrics, labelled by route pattern rather than raw path.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coven_connect_http_requests_total",
			Help: "HTTP requests, by method, route pattern, and status code.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coven_connect_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and route pattern.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route"},
	)
)

// ObserveInvocation records one capability invocation.
func ObserveInvocation(source string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	InvocationsTotal.WithLabelValues(source, outcome).Inc()
	InvocationDuration.WithLabelValues(source).Observe(time.Since(started).Seconds())
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush passes through so SSE responses keep streaming.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request counts and latency. The route label is the
// matched ServeMux pattern, so user-supplied IDs never become label values.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
