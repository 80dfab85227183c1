package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packtivity_queue_tasks_total",
			Help: "Total number of queued tasks run, by final status and diagnostic code.",
		},
		[]string{"status", "code"},
	)

	tasksDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "packtivity_queue_task_seconds",
			Help:    "Wall-clock duration of queued task runs, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	tasksRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "packtivity_queue_requeued_total",
			Help: "Running tasks returned to the queue after their lease expired.",
		},
	)

	queueWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "packtivity_queue_workers",
			Help: "Number of running queue workers.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(tasksDuration)
	prometheus.MustRegister(queueWorkers)
	prometheus.MustRegister(tasksRequeued)

	tasksTotal.WithLabelValues("completed", "")
}
