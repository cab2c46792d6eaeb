// Package metrics provides Prometheus metrics collection
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Attester metrics
	QuotesIssuedTotal       prometheus.Counter
	CertificatesIssuedTotal prometheus.Counter

	// Verifier metrics
	VerificationsTotal *prometheus.CounterVec

	// IAS metrics
	IASRequestsTotal   *prometheus.CounterVec
	IASRequestDuration prometheus.Histogram
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		QuotesIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "ratls_quotes_issued_total",
				Help:        "Total number of SGX quotes obtained from the quoting interface",
				ConstLabels: labels,
			},
		),
		CertificatesIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "ratls_certificates_issued_total",
				Help:        "Total number of RA-TLS certificates generated",
				ConstLabels: labels,
			},
		),
		VerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "ratls_verifications_total",
				Help:        "Total number of peer certificate verifications by outcome",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),
		IASRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "ratls_ias_requests_total",
				Help:        "Total number of IAS API requests by endpoint and status",
				ConstLabels: labels,
			},
			[]string{"endpoint", "status"},
		),
		IASRequestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "ratls_ias_request_duration_seconds",
				Help:        "IAS API round-trip duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.QuotesIssuedTotal,
			m.CertificatesIssuedTotal,
			m.VerificationsTotal,
			m.IASRequestsTotal,
			m.IASRequestDuration,
		)
	}

	return m
}

// ObserveVerification records the outcome of one verification pipeline.
// outcome is "ok", the error code that aborted the pipeline, or "error"
// when the aborting error carries no code.
func (m *Metrics) ObserveVerification(outcome string) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveIASRequest records one IAS round trip.
func (m *Metrics) ObserveIASRequest(endpoint, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.IASRequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.IASRequestDuration.Observe(elapsed.Seconds())
}

// QuoteIssued records one successful quote retrieval.
func (m *Metrics) QuoteIssued() {
	if m == nil {
		return
	}
	m.QuotesIssuedTotal.Inc()
}

// CertificateIssued records one generated RA-TLS certificate.
func (m *Metrics) CertificateIssued() {
	if m == nil {
		return
	}
	m.CertificatesIssuedTotal.Inc()
}
