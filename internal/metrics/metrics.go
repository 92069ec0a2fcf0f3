// Package metrics declares the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maowbot_pipeline_events_submitted_total",
		Help: "Total number of events accepted onto the dispatch queue.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maowbot_pipeline_events_dropped_total",
		Help: "Total number of events rejected because the dispatch queue was full or closed.",
	})

	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maowbot_pipeline_events_processed_total",
		Help: "Total number of events dispatched against the compiled pipeline set.",
	})

	PipelineMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maowbot_pipeline_matches_total",
		Help: "Total number of pipeline matches, labelled by pipeline name.",
	}, []string{"pipeline"})

	FilterErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maowbot_pipeline_filter_errors_total",
		Help: "Total number of filter evaluations that errored or panicked, labelled by filter type.",
	}, []string{"filter_type"})

	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maowbot_pipeline_runs_total",
		Help: "Total number of pipeline runs, labelled by final status.",
	}, []string{"status"})

	ActionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maowbot_pipeline_action_attempts_total",
		Help: "Total number of action results, labelled by action type and status.",
	}, []string{"action_type", "status"})

	LateResults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maowbot_pipeline_late_results_total",
		Help: "Total number of async action results appended after their run completed.",
	})

	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "maowbot_pipeline_persist_failures_total",
		Help: "Total number of execution records or statistics that could not be stored.",
	})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "maowbot_pipeline_run_duration_ms",
		Help:    "Duration of the synchronous portion of a pipeline run in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000},
	})

	Reloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maowbot_pipeline_reloads_total",
		Help: "Total number of pipeline set reloads, labelled by result.",
	}, []string{"result"})

	CompiledPipelines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maowbot_pipeline_compiled",
		Help: "Number of pipelines in the active compiled set.",
	})

	RejectedPipelines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "maowbot_pipeline_rejected",
		Help: "Number of enabled pipelines excluded from the active set.",
	})

	QueueUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "maowbot_pipeline_queue_utilization_ratio",
		Help: "Current worker queue utilization (0-1), labelled by pool.",
	}, []string{"pool"})
)
