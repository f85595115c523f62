package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "paperflow_queue_depth",
	Help: "gauge of live queue items across available, delayed and in-flight states",
})

var itemsClaimed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "paperflow_queue_claims_total",
	Help: "counter of items handed to workers under a lease",
})

var leasesExpired = promauto.NewCounter(prometheus.CounterOpts{
	Name: "paperflow_queue_lease_expiries_total",
	Help: "counter of leases that expired and returned their item to the queue",
})
