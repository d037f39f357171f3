package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewd_broker_tasks_enqueued_total",
		Help: "Tasks dispatched to the work queue, by stage.",
	}, []string{"stage"})

	tasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewd_broker_tasks_completed_total",
		Help: "Tasks that reached a terminal state, by stage and state.",
	}, []string{"stage", "state"})

	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reviewd_broker_task_duration_seconds",
		Help:    "Handler execution time, by stage.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stage"})
)
