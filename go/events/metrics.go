package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsStoredCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "paperflow_events_stored_total",
	Help: "counter of task events appended to the durable event store",
})

var eventsPublishedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "paperflow_events_published_total",
	Help: "counter of live event documents published to the in-process bus",
})

var eventsDroppedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paperflow_events_dropped_total",
	Help: "counter of live event documents shed or dropped by full subscriber queues",
}, []string{"reason"})
