package proxy

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// durationBuckets cover 5 ms to 60 s, the configurable timeout range.
var durationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// Metrics tracks request accounting for both the Prometheus exposition and
// the health endpoint.
//
// The atomic counters back the health endpoint's requests_served and
// errors_total fields and the drain logging; the Prometheus collectors carry
// the labelled versions. The registry is per-instance so tests can build as
// many as they like.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	upstreamErrors *prometheus.CounterVec
	inFlightGauge  prometheus.Gauge

	requestsTotal atomic.Uint64
	errorsTotal   atomic.Uint64
	inFlight      atomic.Int64

	startedAt time.Time
}

// NewMetrics builds a metrics set with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Completed proxy requests by response status and method.",
		}, []string{"status", "method"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxy_request_duration_seconds",
			Help:    "Proxy request duration by response status.",
			Buckets: durationBuckets,
		}, []string{"status"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_upstream_errors_total",
			Help: "Upstream failures by error type.",
		}, []string{"error_type"}),
		inFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_in_flight_requests",
			Help: "Requests currently being proxied.",
		}),
		startedAt: time.Now(),
	}
	m.registry.MustRegister(m.requests, m.duration, m.upstreamErrors, m.inFlightGauge)
	return m
}

// Handler serves the Prometheus text exposition for this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records one completed request.
func (m *Metrics) RecordRequest(status int, method string, d time.Duration) {
	label := strconv.Itoa(status)
	m.requests.WithLabelValues(label, method).Inc()
	m.duration.WithLabelValues(label).Observe(d.Seconds())
}

// RecordUpstreamError counts an upstream failure by type ("timeout",
// "connection", or a classification label).
func (m *Metrics) RecordUpstreamError(errorType string) {
	m.upstreamErrors.WithLabelValues(errorType).Inc()
}

// RequestStarted increments the inbound request and in-flight counters.
func (m *Metrics) RequestStarted() {
	m.requestsTotal.Add(1)
	m.inFlight.Add(1)
	m.inFlightGauge.Inc()
}

// RequestFinished decrements in-flight. Callers pair it with RequestStarted
// via defer so no exit path can leak the counter.
func (m *Metrics) RequestFinished() {
	m.inFlight.Add(-1)
	m.inFlightGauge.Dec()
}

// ErrorResponded counts a proxy-generated error response. Called exactly
// once per failed request, never per retry.
func (m *Metrics) ErrorResponded() {
	m.errorsTotal.Add(1)
}

// RequestsServed returns the total inbound request count.
func (m *Metrics) RequestsServed() uint64 { return m.requestsTotal.Load() }

// ErrorsTotal returns the proxy-error response count.
func (m *Metrics) ErrorsTotal() uint64 { return m.errorsTotal.Load() }

// InFlight returns the number of requests currently being proxied.
func (m *Metrics) InFlight() int64 { return m.inFlight.Load() }

// UptimeSeconds returns whole seconds since the metrics set was created.
func (m *Metrics) UptimeSeconds() uint64 {
	return uint64(time.Since(m.startedAt) / time.Second)
}
