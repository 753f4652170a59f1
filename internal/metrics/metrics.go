// Package metrics exposes Prometheus metrics for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus registry for the idempotency gateway.
type Metrics struct {
	registry *prometheus.Registry

	admitDecisions   *prometheus.CounterVec
	admitLatency     prometheus.Histogram
	keyReuseRejected prometheus.Counter
	inFlight         prometheus.Gauge

	reapedLocks   prometheus.Counter
	compensation  *prometheus.CounterVec
	compExhausted prometheus.Counter
}

// New creates a metrics registry and registers gateway metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	admitDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idempotency_admit_decisions_total",
		Help: "Admission decisions by kind.",
	}, []string{"decision"})

	admitLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "idempotency_admit_latency_seconds",
		Help:    "Latency of the admission protocol in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	keyReuseRejected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idempotency_key_reuse_rejected_total",
		Help: "Requests rejected for reusing a key with a different payload.",
	})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "idempotency_in_flight_requests",
		Help: "Guarded requests currently executing their handler.",
	})

	reapedLocks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idempotency_reaped_locks_total",
		Help: "Expired processing locks reclaimed by the reaper.",
	})

	compensation := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "idempotency_compensation_total",
		Help: "Compensation handler runs by outcome.",
	}, []string{"action", "outcome"})

	compExhausted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idempotency_compensation_exhausted_total",
		Help: "Records whose compensation retry budget ran out.",
	})

	registry.MustRegister(admitDecisions, admitLatency, keyReuseRejected, inFlight,
		reapedLocks, compensation, compExhausted)

	return &Metrics{
		registry:         registry,
		admitDecisions:   admitDecisions,
		admitLatency:     admitLatency,
		keyReuseRejected: keyReuseRejected,
		inFlight:         inFlight,
		reapedLocks:      reapedLocks,
		compensation:     compensation,
		compExhausted:    compExhausted,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncDecision counts one admission decision (proceed, retry, replay).
func (m *Metrics) IncDecision(decision string) {
	m.admitDecisions.WithLabelValues(decision).Inc()
}

// ObserveAdmitLatency records one admission round-trip.
func (m *Metrics) ObserveAdmitLatency(seconds float64) {
	m.admitLatency.Observe(seconds)
}

// IncKeyReuseRejected counts one rejected key reuse.
func (m *Metrics) IncKeyReuseRejected() {
	m.keyReuseRejected.Inc()
}

// IncInFlight/DecInFlight track guarded handlers currently executing.
func (m *Metrics) IncInFlight() { m.inFlight.Inc() }
func (m *Metrics) DecInFlight() { m.inFlight.Dec() }

// IncReapedLock counts one reclaimed lock.
func (m *Metrics) IncReapedLock() {
	m.reapedLocks.Inc()
}

// IncCompensation counts one compensation run for an action.
func (m *Metrics) IncCompensation(action, outcome string) {
	m.compensation.WithLabelValues(action, outcome).Inc()
}

// IncCompensationExhausted counts one record that ran out of retries.
func (m *Metrics) IncCompensationExhausted() {
	m.compExhausted.Inc()
}
