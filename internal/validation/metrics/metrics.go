package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the validation engine. A nil *Metrics records nothing.
type Metrics struct {
	Validations  *prometheus.CounterVec
	Scores       prometheus.Histogram
	CheckFailure *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		Validations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_validations_total",
			Help: "Validation passes by outcome",
		}, []string{"outcome"}),
		Scores: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dossier_validation_score",
			Help:    "Distribution of validation scores",
			Buckets: []float64{0, 25, 50, 60, 75, 90, 100},
		}),
		CheckFailure: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_validation_check_failures_total",
			Help: "Failed validation checks by type",
		}, []string{"check"}),
	}
}

func (m *Metrics) ObserveResult(valid bool, score float64, failed []string) {
	if m == nil {
		return
	}
	outcome := "valid"
	if !valid {
		outcome = "invalid"
	}
	m.Validations.WithLabelValues(outcome).Inc()
	m.Scores.Observe(score)
	for _, c := range failed {
		m.CheckFailure.WithLabelValues(c).Inc()
	}
}
