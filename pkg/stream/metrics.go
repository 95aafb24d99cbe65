package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type fragmenterMetrics struct {
	compilations     *prometheus.CounterVec
	duration         prometheus.Histogram
	fragmentsCreated prometheus.Counter
	stagesPerGraph   prometheus.Histogram
}

func newFragmenterMetrics(reg prometheus.Registerer) *fragmenterMetrics {
	return &fragmenterMetrics{
		compilations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamforge",
			Name:      "fragmenter_compilations_total",
			Help:      "Total number of plan compilations, by outcome.",
		}, []string{"status"}),
		duration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "streamforge",
			Name:      "fragmenter_compilation_duration_seconds",
			Help:      "Time spent compiling a plan into a fragment graph.",
			Buckets:   prometheus.DefBuckets,
		}),
		fragmentsCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "streamforge",
			Name:      "fragmenter_fragments_created_total",
			Help:      "Total number of fragments in successfully compiled graphs.",
		}),
		stagesPerGraph: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "streamforge",
			Name:      "fragmenter_stages_per_graph",
			Help:      "Number of stages a compiled plan was split into.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
}
