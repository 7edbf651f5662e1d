package knowledge

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for knowledge retrieval.
type Metrics struct {
	QueriesTotal      *prometheus.CounterVec
	QueryDuration     *prometheus.HistogramVec
	DocumentsIngested *prometheus.CounterVec
}

// NewMetrics registers and returns knowledge metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_knowledge_queries_total",
			Help: "Knowledge base queries by collection and outcome.",
		}, []string{"collection", "outcome"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_knowledge_query_duration_seconds",
			Help:    "Knowledge base query duration in seconds, embedding included.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms .. ~5s
		}, []string{"collection"}),
		DocumentsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_knowledge_documents_ingested_total",
			Help: "Documents embedded and stored by collection.",
		}, []string{"collection"}),
	}
	reg.MustRegister(m.QueriesTotal, m.QueryDuration, m.DocumentsIngested)
	return m
}

// Hooks returns retriever hooks that update these metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnQuery: func(collection, outcome string, duration float64) {
			m.QueriesTotal.WithLabelValues(collection, outcome).Inc()
			m.QueryDuration.WithLabelValues(collection).Observe(duration)
		},
		OnIngest: func(collection string, documents int) {
			m.DocumentsIngested.WithLabelValues(collection).Add(float64(documents))
		},
	}
}
