package pages

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paperflow_pages_processed_total",
	Help: "Pages handled by the page processor, by outcome.",
}, []string{"outcome"})

var questionsExtracted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "paperflow_page_questions_total",
	Help: "Question crops produced by the extraction stage.",
})

var pageSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "paperflow_page_seconds",
	Help:    "Wall time spent processing one page.",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
})
