package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeInvalid   = "invalid"
	OutcomeInfected  = "infected"
	OutcomeUnscanned = "unscanned_rejected"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
)

// Metrics for the documents service. A nil *Metrics records nothing.
type Metrics struct {
	Ingestions     *prometheus.CounterVec
	IngestDuration prometheus.Histogram
	Rescans        *prometheus.CounterVec
	Downloads      *prometheus.CounterVec
	Deletions      prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		Ingestions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_ingestions_total",
			Help: "Document ingestions by outcome",
		}, []string{"outcome"}),
		IngestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dossier_ingestion_duration_seconds",
			Help:    "End-to-end ingestion latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		Rescans: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_rescans_total",
			Help: "Rescans of stored documents by verdict",
		}, []string{"verdict"}),
		Downloads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dossier_downloads_total",
			Help: "Document downloads by result",
		}, []string{"result"}),
		Deletions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dossier_documents_deleted_total",
			Help: "Documents deleted by their owner",
		}),
	}
}

func (m *Metrics) ObserveIngest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Ingestions.WithLabelValues(outcome).Inc()
	m.IngestDuration.Observe(d.Seconds())
}

func (m *Metrics) IncRescan(verdict string) {
	if m == nil {
		return
	}
	m.Rescans.WithLabelValues(verdict).Inc()
}

func (m *Metrics) IncDownload(result string) {
	if m == nil {
		return
	}
	m.Downloads.WithLabelValues(result).Inc()
}

func (m *Metrics) IncDeletion() {
	if m == nil {
		return
	}
	m.Deletions.Inc()
}
