package buildsys

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for task runs.
const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusSkipped   = "skipped"
)

var (
	taskRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetflow_task_runs_total",
			Help: "Total number of task executions.",
		},
		[]string{"task", "status"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assetflow_task_duration_seconds",
			Help:    "Task execution time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	pipelineFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetflow_pipeline_files_total",
			Help: "Total number of files that left a task's pipeline.",
		},
		[]string{"task"},
	)

	stageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assetflow_stage_errors_recovered_total",
			Help: "Total number of stage errors that were logged instead of failing the task.",
		},
		[]string{"task"},
	)
)

func init() {
	prometheus.MustRegister(taskRunsTotal)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(pipelineFilesTotal)
	prometheus.MustRegister(stageErrorsTotal)
}
