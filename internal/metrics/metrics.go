// Package metrics holds the prometheus collectors for the daemon.
// All helper methods are nil-receiver safe so wiring metrics stays
// optional for callers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricAppendsTotal            = "agenttrail_appends_total"
	MetricAppendSeconds           = "agenttrail_append_seconds"
	MetricDetectionsTotal         = "agenttrail_detections_total"
	MetricDetectionSeconds        = "agenttrail_detection_seconds"
	MetricSessionsTerminatedTotal = "agenttrail_sessions_terminated_total"
	MetricVerifyFailuresTotal     = "agenttrail_verify_failures_total"
	MetricExportFlushesTotal      = "agenttrail_export_flushes_total"
	MetricHTTPRequestsTotal       = "agenttrail_http_requests_total"
	MetricHTTPRequestSeconds      = "agenttrail_http_request_seconds"
)

// Detection outcome label values.
const (
	OutcomeOK          = "ok"
	OutcomeTimeout     = "timeout"
	OutcomeMalformed   = "malformed"
	OutcomeUnavailable = "unavailable"
)

// Flush status label values.
const (
	FlushOK    = "ok"
	FlushError = "error"
)

// Metrics contains the daemon's prometheus collectors. All operations
// are safe for concurrent use.
type Metrics struct {
	appendsTotal       *prometheus.CounterVec
	appendSeconds      prometheus.Histogram
	detectionsTotal    *prometheus.CounterVec
	detectionSeconds   prometheus.Histogram
	sessionsTerminated prometheus.Counter
	verifyFailures     prometheus.Counter
	exportFlushes      *prometheus.CounterVec
	httpRequestsTotal  *prometheus.CounterVec
	httpRequestSeconds *prometheus.HistogramVec
}

// NewMetrics creates all collectors. They are not registered; call
// Register to attach them to a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		appendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAppendsTotal,
				Help: "Total ledger appends by event type",
			},
			[]string{"type"},
		),
		appendSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricAppendSeconds,
				Help:    "Ledger append duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),
		detectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDetectionsTotal,
				Help: "Total detection gateway calls by outcome",
			},
			[]string{"outcome"},
		),
		detectionSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricDetectionSeconds,
				Help:    "Detection gateway call duration in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
		),
		sessionsTerminated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricSessionsTerminatedTotal,
				Help: "Total sessions terminated by risk breach",
			},
		),
		verifyFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricVerifyFailuresTotal,
				Help: "Total chain verifications that found corruption",
			},
		),
		exportFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricExportFlushesTotal,
				Help: "Total export pipeline flushes by sink and status",
			},
			[]string{"sink", "status"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricHTTPRequestsTotal,
				Help: "Total HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "code"},
		),
		httpRequestSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricHTTPRequestSeconds,
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"route", "method", "code"},
		),
	}
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.appendsTotal,
		m.appendSeconds,
		m.detectionsTotal,
		m.detectionSeconds,
		m.sessionsTerminated,
		m.verifyFailures,
		m.exportFlushes,
		m.httpRequestsTotal,
		m.httpRequestSeconds,
	}
}

// IncAppend records one ledger append of the given event type.
func (m *Metrics) IncAppend(eventType string) {
	if m == nil {
		return
	}
	m.appendsTotal.WithLabelValues(eventType).Inc()
}

// ObserveAppend records the duration of one append.
func (m *Metrics) ObserveAppend(seconds float64) {
	if m == nil {
		return
	}
	m.appendSeconds.Observe(seconds)
}

// ObserveDetection records one gateway call with its outcome.
func (m *Metrics) ObserveDetection(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.detectionsTotal.WithLabelValues(outcome).Inc()
	m.detectionSeconds.Observe(seconds)
}

// IncSessionTerminated records one risk-breach termination.
func (m *Metrics) IncSessionTerminated() {
	if m == nil {
		return
	}
	m.sessionsTerminated.Inc()
}

// IncVerifyFailure records one failed chain verification.
func (m *Metrics) IncVerifyFailure() {
	if m == nil {
		return
	}
	m.verifyFailures.Inc()
}

// IncExportFlush records one pipeline flush attempt.
func (m *Metrics) IncExportFlush(sink, status string) {
	if m == nil {
		return
	}
	m.exportFlushes.WithLabelValues(sink, status).Inc()
}

// ObserveHTTPRequest records one served HTTP request.
func (m *Metrics) ObserveHTTPRequest(route, method, code string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(route, method, code).Inc()
	m.httpRequestSeconds.WithLabelValues(route, method, code).Observe(seconds)
}
