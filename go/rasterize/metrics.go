package rasterize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pagesRendered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paperflow_rasterize_pages_total",
	Help: "Pages handled by the rasterizer, by outcome.",
}, []string{"outcome"})

var renderSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "paperflow_rasterize_document_seconds",
	Help:    "Wall time spent rasterizing one whole document.",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
})
