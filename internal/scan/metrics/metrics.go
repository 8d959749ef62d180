package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for scan consensus. A nil *Metrics records nothing.
type Metrics struct {
	Scans          *prometheus.CounterVec
	Unscanned      *prometheus.CounterVec
	BackendResults *prometheus.CounterVec
	BackendErrors  *prometheus.CounterVec
	BackendLatency *prometheus.HistogramVec
	BreakerState   *prometheus.GaugeVec
}

func New() *Metrics {
	return &Metrics{
		Scans: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_scans_total",
			Help: "Consensus scans by verdict",
		}, []string{"verdict"}),
		Unscanned: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_scans_unscanned_total",
			Help: "Scans where no backend reached a determination, by policy",
		}, []string{"policy"}),
		BackendResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_scan_backend_results_total",
			Help: "Per-backend results by verdict",
		}, []string{"scanner", "verdict"}),
		BackendErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_scan_backend_errors_total",
			Help: "Per-backend failures by category",
		}, []string{"scanner", "category"}),
		BackendLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dossier_scan_backend_duration_seconds",
			Help:    "Per-backend scan latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"scanner"}),
		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dossier_scan_backend_circuit_open",
			Help: "1 when a backend's circuit breaker is open",
		}, []string{"scanner"}),
	}
}

func (m *Metrics) ObserveScan(verdict string, unscanned bool, policy string) {
	if m == nil {
		return
	}
	m.Scans.WithLabelValues(verdict).Inc()
	if unscanned {
		m.Unscanned.WithLabelValues(policy).Inc()
	}
}

func (m *Metrics) ObserveBackend(scanner, verdict string, d time.Duration) {
	if m == nil {
		return
	}
	m.BackendResults.WithLabelValues(scanner, verdict).Inc()
	m.BackendLatency.WithLabelValues(scanner).Observe(d.Seconds())
}

func (m *Metrics) IncBackendError(scanner, category string) {
	if m == nil {
		return
	}
	m.BackendErrors.WithLabelValues(scanner, category).Inc()
}

func (m *Metrics) SetBreakerOpen(scanner string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerState.WithLabelValues(scanner).Set(v)
}
