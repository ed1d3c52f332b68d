package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics exposed by the gateway.
type Metrics struct {
	batchesTotal  *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	batchEntries  *prometheus.HistogramVec
	batchRejected *prometheus.CounterVec
	peerState     *prometheus.GaugeVec
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
	registry      *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdti_batch_requests_total",
				Help: "Total number of batch requests processed by directory and outcome",
			},
			[]string{"directory_id", "status"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pdti_batch_duration_seconds",
				Help:    "Batch processing latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"directory_id"},
		),
		batchEntries: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pdti_batch_response_entries",
				Help:    "Number of entries in each batch response",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
			},
			[]string{"directory_id"},
		),
		batchRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdti_batch_rejected_total",
				Help: "Batch requests rejected before processing",
			},
			[]string{"reason"},
		),
		peerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pdti_federation_peer_circuit_open",
				Help: "1 when the circuit breaker of a federation peer is not closed",
			},
			[]string{"peer"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdti_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpDurations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pdti_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.batchesTotal,
		m.batchDuration,
		m.batchEntries,
		m.batchRejected,
		m.peerState,
		m.httpRequests,
		m.httpDurations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordBatch records a processed batch.
func (m *Metrics) RecordBatch(directoryID, status string, entries int, duration time.Duration) {
	m.batchesTotal.WithLabelValues(directoryID, status).Inc()
	m.batchDuration.WithLabelValues(directoryID).Observe(duration.Seconds())
	m.batchEntries.WithLabelValues(directoryID).Observe(float64(entries))
}

// RecordRejected records a batch refused by the transport.
func (m *Metrics) RecordRejected(reason string) {
	m.batchRejected.WithLabelValues(reason).Inc()
}

// SetPeerOpen records whether a peer's circuit is open.
func (m *Metrics) SetPeerOpen(peer string, open bool) {
	value := 0.0
	if open {
		value = 1
	}
	m.peerState.WithLabelValues(peer).Set(value)
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpDurations.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware records request metrics for next.
func (m *Metrics) MetricsMiddleware(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter captures the status code written by a handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
