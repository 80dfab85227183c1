package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	phaseBuild   = "build"
	phaseRun     = "run"
	phasePublish = "publish"

	outcomePublished    = "published"
	outcomePrepublished = "prepublished"
	outcomeFailed       = "failed"
)

var (
	phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "packtivity_phase_duration_seconds",
			Help:    "Duration of activity phases in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	activitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packtivity_activities_total",
			Help: "Total number of activities handled, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(phaseDuration)
	prometheus.MustRegister(activitiesTotal)
}

func observePhase(phase string, start time.Time) {
	phaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}
