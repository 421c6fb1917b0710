package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flagops"

// Metrics groups the prometheus collectors of the evaluation and change paths.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	evaluations   *prometheus.CounterVec
	mutations     *prometheus.CounterVec
	auditFailures prometheus.Counter
	auditBacklog  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Flag evaluations by environment and reason.",
		}, []string{"environment", "reason"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Flag configuration changes by action and result code.",
		}, []string{"action", "code"}),
		auditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_append_failures_total",
			Help:      "Audit appends that failed and were queued for retry.",
		}),
		auditBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_backlog",
			Help:      "Audit events waiting for retry.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.evaluations, m.mutations, m.auditFailures, m.auditBacklog)
	}
	return m
}

func (m *Metrics) ObserveEvaluation(environment, reason string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(environment, reason).Inc()
}

// ObserveMutation records a change attempt; code is empty on success.
func (m *Metrics) ObserveMutation(action, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	m.mutations.WithLabelValues(action, code).Inc()
}

func (m *Metrics) ObserveAuditFailure() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}

func (m *Metrics) SetAuditBacklog(n int) {
	if m == nil {
		return
	}
	m.auditBacklog.Set(float64(n))
}
