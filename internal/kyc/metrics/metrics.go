package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the KYC workflow. A nil *Metrics records nothing.
type Metrics struct {
	Transitions   *prometheus.CounterVec
	Refusals      *prometheus.CounterVec
	StatusReads   *prometheus.CounterVec
	PendingQueued prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_kyc_transitions_total",
			Help: "Document status transitions applied by the KYC workflow",
		}, []string{"from", "to"}),
		Refusals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_kyc_refusals_total",
			Help: "Workflow actions refused, by action and error code",
		}, []string{"action", "code"}),
		StatusReads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_kyc_status_reads_total",
			Help: "Derived KYC status reads by resulting status",
		}, []string{"status"}),
		PendingQueued: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dossier_kyc_pending_reviews",
			Help: "Users in the reviewer queue at the last listing",
		}),
	}
}

func (m *Metrics) IncTransition(from, to string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Transitions.WithLabelValues(from, to).Add(float64(n))
}

func (m *Metrics) IncRefusal(action, code string) {
	if m == nil {
		return
	}
	m.Refusals.WithLabelValues(action, code).Inc()
}

func (m *Metrics) IncStatusRead(status string) {
	if m == nil {
		return
	}
	m.StatusReads.WithLabelValues(status).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingQueued.Set(float64(n))
}
