package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the query loop.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	IterationsPerQuery prometheus.Histogram
	ConfidenceScore    prometheus.Histogram
	LLMTokensTotal     *prometheus.CounterVec
	LLMCostUSD         prometheus.Counter
	FeedbackTotal      *prometheus.CounterVec
	ReviewQueueDepth   prometheus.Gauge
}

// NewMetrics registers the instruments on a registry. Pass
// prometheus.DefaultRegisterer in production; tests use a private
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sibyl_query_requests_total",
			Help: "Query requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sibyl_query_duration_seconds",
			Help:    "End-to-end query request duration.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider"}),
		IterationsPerQuery: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sibyl_query_iterations",
			Help:    "Refinement iterations per query.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),
		ConfidenceScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sibyl_confidence_score",
			Help:    "Final confidence score per query.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		LLMTokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sibyl_llm_tokens_total",
			Help: "LLM tokens consumed, by direction.",
		}, []string{"model", "direction"}),
		LLMCostUSD: factory.NewCounter(prometheus.CounterOpts{
			Name: "sibyl_llm_cost_usd_total",
			Help: "Estimated LLM spend in USD.",
		}),
		FeedbackTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sibyl_feedback_total",
			Help: "User feedback submissions by rating and routing decision.",
		}, []string{"rating", "decision"}),
		ReviewQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sibyl_review_queue_depth",
			Help: "Examples awaiting expert review.",
		}),
	}
}
