package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stageSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "paperflow_runner_stage_seconds",
	Help:    "Wall time of one stage execution including retries, by outcome.",
	Buckets: prometheus.ExponentialBuckets(0.01, 3, 12),
}, []string{"stage", "status"})

var pipelinesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paperflow_runner_pipelines_total",
	Help: "Pipeline runs reaching a terminal status.",
}, []string{"status"})

var tasksRecovered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "paperflow_runner_tasks_recovered_total",
	Help: "Tasks whose persisted progress was reset during startup recovery.",
})
