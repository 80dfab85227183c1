package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultSucceeded   = "succeeded"
	resultFailed      = "failed"
	resultStartFailed = "start_failed"
)

var (
	subprocessRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packtivity_subprocess_runs_total",
			Help: "Total number of child processes run, by outcome.",
		},
		[]string{"result"},
	)

	subprocessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "packtivity_subprocess_duration_seconds",
			Help:    "Wall-clock duration of child processes in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
	)
)

func init() {
	prometheus.MustRegister(subprocessRunsTotal)
	prometheus.MustRegister(subprocessDuration)
}

func observeRun(result string, d time.Duration) {
	subprocessRunsTotal.WithLabelValues(result).Inc()
	subprocessDuration.Observe(d.Seconds())
}
