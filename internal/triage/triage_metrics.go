package triage

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/warden/internal/classifier"
)

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	AnalysesTotal      *prometheus.CounterVec
	AnalysisDuration   *prometheus.HistogramVec
	EngineTotal        *prometheus.CounterVec
	EngineDuration     *prometheus.HistogramVec
	FallbackTotal      prometheus.Counter
	LLMCallsTotal      *prometheus.CounterVec
	LLMDuration        *prometheus.HistogramVec
	ClassifierTotal    *prometheus.CounterVec
	ClassifierDuration *prometheus.HistogramVec
	BatchSize          prometheus.Histogram
	BatchFailures      prometheus.Counter
	NotificationsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_analyses_total",
			Help: "Total alert analyses by outcome.",
		}, []string{"outcome"}),
		AnalysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_analysis_duration_seconds",
			Help:    "End-to-end duration of alert analyses in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}, []string{"outcome"}),
		EngineTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_engine_runs_total",
			Help: "Engine runs by outcome and whether classifier context was present.",
		}, []string{"outcome", "classified"}),
		EngineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_engine_duration_seconds",
			Help:    "Engine run duration in seconds by final model.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}, []string{"model"}),
		FallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_engine_fallback_total",
			Help: "Verdicts produced by the fallback model.",
		}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_llm_calls_total",
			Help: "Total language model calls by model and outcome.",
		}, []string{"model", "outcome"}),
		LLMDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_llm_call_duration_seconds",
			Help:    "Duration of individual language model calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}, []string{"model"}),
		ClassifierTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_classifier_predictions_total",
			Help: "Classifier prediction attempts by model and outcome.",
		}, []string{"model", "outcome"}),
		ClassifierDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_classifier_duration_seconds",
			Help:    "Duration of classifier predictions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}, []string{"model"}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_batch_size",
			Help:    "Alerts per batch request.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 .. 512
		}),
		BatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_batch_failures_total",
			Help: "Alerts that failed inside batch requests.",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_notifications_total",
			Help: "Verdict notifications by notifier and result.",
		}, []string{"notifier", "result"}),
	}

	reg.MustRegister(
		m.AnalysesTotal,
		m.AnalysisDuration,
		m.EngineTotal,
		m.EngineDuration,
		m.FallbackTotal,
		m.LLMCallsTotal,
		m.LLMDuration,
		m.ClassifierTotal,
		m.ClassifierDuration,
		m.BatchSize,
		m.BatchFailures,
		m.NotificationsTotal,
	)

	return m
}

// Hooks returns EngineHooks that update the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnGenerate: func(model, outcome string, duration float64) {
			m.LLMCallsTotal.WithLabelValues(model, outcome).Inc()
			m.LLMDuration.WithLabelValues(model).Observe(duration)
		},
		OnComplete: func(e *CompleteEvent) {
			classified := "false"
			if e.Classified {
				classified = "true"
			}
			m.EngineTotal.WithLabelValues(e.Outcome, classified).Inc()
			if e.Model != "" {
				m.EngineDuration.WithLabelValues(e.Model).Observe(e.Duration)
			}
			if e.UsedFallback && e.Outcome == OutcomeSuccess {
				m.FallbackTotal.Inc()
			}
		},
	}
}

// ClassifierHooks returns classifier hooks that update the prediction metrics.
func (m *Metrics) ClassifierHooks() classifier.Hooks {
	return classifier.Hooks{
		OnPredict: func(model, outcome string, duration float64) {
			m.ClassifierTotal.WithLabelValues(model, outcome).Inc()
			m.ClassifierDuration.WithLabelValues(model).Observe(duration)
		},
	}
}
