package compose

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var imagesRendered = promauto.NewCounter(prometheus.CounterOpts{
	Name: "paperflow_compose_images_total",
	Help: "Question images rendered into all_questions directories.",
})
