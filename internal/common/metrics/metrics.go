// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PublishesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "content_publishes_total",
			Help: "Total number of successful version publishes",
		},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "content_publish_failures_total",
			Help: "Total number of failed publish attempts",
		},
		[]string{"error_code"},
	)

	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "content_publish_duration_seconds",
			Help: "Duration of the publish transaction in seconds",
		},
	)

	PredicateEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "predicate_evaluations_total",
			Help: "Total number of predicate tree evaluations",
		},
		[]string{"result"},
	)

	BlockSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "application_block_saves_total",
			Help: "Total number of block answer saves",
		},
		[]string{"outcome"},
	)

	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "application_submissions_total",
			Help: "Total number of final submission attempts",
		},
		[]string{"outcome"},
	)

	RevisionCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "content_revision_cache_requests_total",
			Help: "Active-version revision cache lookups",
		},
		[]string{"result"},
	)
)
