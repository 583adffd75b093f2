package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline stages used as label values.
const (
	StageTranscode = "transcode"
	StagePackage   = "package"
	StageMetadata  = "metadata"
)

// Metrics holds Prometheus counters, gauges and histograms for the recorder.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	chunksReceivedTotal  prometheus.Counter
	chunksPackagedTotal  prometheus.Counter
	chunksQueuedTotal    prometheus.Counter
	chunksDuplicateTotal prometheus.Counter
	chunkFailuresTotal   *prometheus.CounterVec
	stageDuration        *prometheus.HistogramVec
	activeSessions       prometheus.Gauge
	haltedSessions       prometheus.Gauge
}

// New creates and registers Prometheus metrics for the recorder.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dash_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dash_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		chunksReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dash_chunks_received_total",
			Help: "Total number of chunk submissions that passed validation",
		}),
		chunksPackagedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dash_chunks_packaged_total",
			Help: "Total number of chunks transcoded and appended to a DASH package",
		}),
		chunksQueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dash_chunks_queued_total",
			Help: "Total number of chunks buffered while waiting for earlier sequence numbers",
		}),
		chunksDuplicateTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dash_chunks_duplicate_total",
			Help: "Total number of chunk submissions rejected as duplicates",
		}),
		chunkFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dash_chunk_failures_total",
			Help: "Total number of chunk processing failures by stage",
		}, []string{"stage"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dash_stage_duration_seconds",
			Help:    "Time spent in each chunk processing stage",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dash_active_sessions",
			Help: "Number of sessions known to this process",
		}),
		haltedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dash_halted_sessions",
			Help: "Number of sessions whose progression is halted by a failed chunk",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.chunksReceivedTotal,
		m.chunksPackagedTotal,
		m.chunksQueuedTotal,
		m.chunksDuplicateTotal,
		m.chunkFailuresTotal,
		m.stageDuration,
		m.activeSessions,
		m.haltedSessions,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

func (m *Metrics) IncChunksReceived() {
	m.chunksReceivedTotal.Inc()
}

func (m *Metrics) IncChunksPackaged() {
	m.chunksPackagedTotal.Inc()
}

func (m *Metrics) IncChunksQueued() {
	m.chunksQueuedTotal.Inc()
}

func (m *Metrics) IncChunksDuplicate() {
	m.chunksDuplicateTotal.Inc()
}

// IncFailures increments the failure counter for stage.
func (m *Metrics) IncFailures(stage string) {
	m.chunkFailuresTotal.WithLabelValues(stage).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// SetSessions sets the active and halted session gauges.
func (m *Metrics) SetSessions(active, halted int) {
	m.activeSessions.Set(float64(active))
	m.haltedSessions.Set(float64(halted))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
