package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksTotal counts ticks by outcome
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_ticks_total",
			Help: "Total number of rule ticks by outcome",
		},
		[]string{"outcome"},
	)

	// ExecutionsTotal counts persisted execution records
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_executions_total",
			Help: "Total number of execution records persisted",
		},
		[]string{"action", "mode"},
	)

	// StoreRetriesTotal counts store calls that were retried
	StoreRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_store_retries_total",
			Help: "Total number of retried rule store calls",
		},
		[]string{"operation"},
	)

	// TickDuration tracks time spent in a tick, lock wait included
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_tick_duration_seconds",
			Help:    "Duration of rule ticks",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// PublishErrorsTotal counts execution events that could not be published
	PublishErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_publish_errors_total",
			Help: "Total number of execution events that failed to publish",
		},
	)
)
