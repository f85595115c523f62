package model

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var warmupCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paperflow_model_warmups_total",
	Help: "counter of model engine warmup attempts by outcome",
}, []string{"status"})

var inferenceSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "paperflow_model_inference_seconds",
	Help:    "histogram of wall seconds spent inside engine predict calls",
	Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
})

var activeLeases = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "paperflow_model_active_leases",
	Help: "gauge of currently held inference leases",
})
