package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	authEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopfloor_auth_events_total",
			Help: "Credential store operations by outcome.",
		},
		[]string{"op", "outcome"},
	)

	workflowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopfloor_workflow_transitions_total",
			Help: "Work item transitions by source stage, target stage and outcome.",
		},
		[]string{"from", "to", "outcome"},
	)

	bundleWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopfloor_bundle_writes_total",
			Help: "Bundle registry writes by kind.",
		},
		[]string{"kind"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shopfloor_ready",
		Help: "1 when the service passed its last readiness check.",
	})
)

// Init registers all collectors in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authEventsTotal, workflowTransitionsTotal, bundleWritesTotal, ready,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AuthEvent counts a credential store operation.
func AuthEvent(op, outcome string) {
	authEventsTotal.WithLabelValues(op, outcome).Inc()
}

// WorkflowTransition counts a work item transition attempt.
func WorkflowTransition(from, to, outcome string) {
	workflowTransitionsTotal.WithLabelValues(from, to, outcome).Inc()
}

// BundleWrite counts a bundle registry write ("created", "appended", "status").
func BundleWrite(kind string) {
	bundleWritesTotal.WithLabelValues(kind).Inc()
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument records in-flight, count and latency per route pattern.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := RoutePattern(r)
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

// RoutePattern returns the matched chi pattern so label cardinality stays bounded.
func RoutePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
