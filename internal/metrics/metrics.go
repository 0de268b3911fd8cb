// Package metrics defines the Prometheus collectors exported by `cuc serve`.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the application collectors. A nil *Metrics is valid and
// records nothing, so components can be used without a registry.
type Metrics struct {
	DocumentsIndexed  prometheus.Counter
	IndexErrors       prometheus.Counter
	Searches          *prometheus.CounterVec
	RetrievalDuration prometheus.Histogram
	Corrections       *prometheus.CounterVec
}

// New registers the collectors on reg. documentCount, when non-nil, backs the
// cuc_documents gauge and is evaluated at scrape time.
func New(reg prometheus.Registerer, documentCount func() float64) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		DocumentsIndexed: f.NewCounter(prometheus.CounterOpts{
			Name: "cuc_documents_indexed_total",
			Help: "Total number of chunks written to the document store",
		}),
		IndexErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "cuc_index_errors_total",
			Help: "Total number of failed indexing attempts",
		}),
		Searches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cuc_searches_total",
			Help: "Total number of similarity searches by mode",
		}, []string{"mode"}),
		RetrievalDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cuc_retrieval_duration_seconds",
			Help:    "Time spent building retrieval context",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		Corrections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cuc_corrections_total",
			Help: "Total number of recorded corrections by type",
		}, []string{"type"}),
	}
	if documentCount != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cuc_documents",
			Help: "Number of documents currently in the store",
		}, documentCount)
	}
	return m
}

// ObserveIndexed counts n stored chunks.
func (m *Metrics) ObserveIndexed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DocumentsIndexed.Add(float64(n))
}

// ObserveIndexError counts a failed index attempt.
func (m *Metrics) ObserveIndexError() {
	if m == nil {
		return
	}
	m.IndexErrors.Inc()
}

// ObserveSearch counts a search in the given mode.
func (m *Metrics) ObserveSearch(mode string) {
	if m == nil {
		return
	}
	m.Searches.WithLabelValues(mode).Inc()
}

// ObserveRetrieval records how long a retrieval took since start.
func (m *Metrics) ObserveRetrieval(start time.Time) {
	if m == nil {
		return
	}
	m.RetrievalDuration.Observe(time.Since(start).Seconds())
}

// ObserveCorrection counts a correction of the given type.
func (m *Metrics) ObserveCorrection(kind string) {
	if m == nil {
		return
	}
	m.Corrections.WithLabelValues(kind).Inc()
}
