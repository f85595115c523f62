package ocr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paperflow_ocr_cache_hits_total",
	Help: "counter of ocr cache hits by tier",
}, []string{"tier"})

var cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "paperflow_ocr_cache_misses_total",
	Help: "counter of ocr cache misses requiring fresh inference",
})
