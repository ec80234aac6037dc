// Package metrics exposes Prometheus instrumentation for legsafe.
//
//   - legsafe_queue_items_total{kind,outcome}     items finished by the worker
//   - legsafe_queue_depth{status}                 items per queue status
//   - legsafe_broker_call_seconds{op}             gateway call latency
//   - legsafe_breaker_state                       0 closed, 1 half-open, 2 open
//   - legsafe_positions_broken_total{reason}      positions forced BROKEN
//   - legsafe_emergency_closes_total{outcome}     emergency close attempts
//   - legsafe_discrepancies_total{type}           new reconciliation findings
//   - legsafe_assignments_total{outcome}          assignment monitor outcomes
//
// Every method is safe on a nil *Metrics so components can run uninstrumented.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/legsafe/internal/domain"
)

// Metrics owns a private registry and the legsafe collectors.
type Metrics struct {
	reg *prometheus.Registry

	queueItems      *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	brokerCall      *prometheus.HistogramVec
	breakerState    prometheus.Gauge
	brokenPositions *prometheus.CounterVec
	emergencyCloses *prometheus.CounterVec
	discrepancies   *prometheus.CounterVec
	assignments     *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		queueItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legsafe_queue_items_total",
			Help: "Queue items finished by the worker.",
		}, []string{"kind", "outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "legsafe_queue_depth",
			Help: "Queue items per status.",
		}, []string{"status"}),
		brokerCall: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "legsafe_broker_call_seconds",
			Help:    "Broker gateway call latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"op"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "legsafe_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
		brokenPositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legsafe_positions_broken_total",
			Help: "Positions forced into BROKEN.",
		}, []string{"reason"}),
		emergencyCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legsafe_emergency_closes_total",
			Help: "Emergency close attempts by outcome.",
		}, []string{"outcome"}),
		discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legsafe_discrepancies_total",
			Help: "New reconciliation discrepancies by type.",
		}, []string{"type"}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legsafe_assignments_total",
			Help: "Assignment monitor outcomes.",
		}, []string{"outcome"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queueItems, m.queueDepth, m.brokerCall, m.breakerState,
		m.brokenPositions, m.emergencyCloses, m.discrepancies, m.assignments,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) QueueItemDone(kind domain.QueueKind, outcome string) {
	if m == nil {
		return
	}
	m.queueItems.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) SetQueueDepth(st domain.QueueStats) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(string(domain.QueueStatusPending)).Set(float64(st.Pending))
	m.queueDepth.WithLabelValues(string(domain.QueueStatusInProgress)).Set(float64(st.InProgress))
	m.queueDepth.WithLabelValues(string(domain.QueueStatusBackfill)).Set(float64(st.Backfill))
	m.queueDepth.WithLabelValues(string(domain.QueueStatusSuccess)).Set(float64(st.Success))
	m.queueDepth.WithLabelValues(string(domain.QueueStatusFailed)).Set(float64(st.Failed))
}

func (m *Metrics) ObserveBrokerCall(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.brokerCall.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) SetBreakerState(v float64) {
	if m == nil {
		return
	}
	m.breakerState.Set(v)
}

func (m *Metrics) PositionBroken(reason string) {
	if m == nil {
		return
	}
	m.brokenPositions.WithLabelValues(reason).Inc()
}

func (m *Metrics) EmergencyClose(outcome string) {
	if m == nil {
		return
	}
	m.emergencyCloses.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Discrepancy(t domain.DiscrepancyType) {
	if m == nil {
		return
	}
	m.discrepancies.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) Assignment(outcome string) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(outcome).Inc()
}
