package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		jobsEnqueued,
		jobsFinished,
		jobDuration,
		jobsInState,
		jobEventsDropped,
	)
}

var (
	jobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdfchat_jobs_enqueued_total",
			Help: "Jobs accepted by the queue, per kind.",
		},
		[]string{"kind"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdfchat_jobs_finished_total",
			Help: "Jobs that reached a terminal state, per kind and state.",
		},
		[]string{"kind", "state"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pdfchat_job_duration_seconds",
			Help:    "Time from active to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"kind", "state"},
	)

	jobsInState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pdfchat_jobs",
			Help: "Jobs currently held by the queue, per state.",
		},
		[]string{"state"},
	)

	jobEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pdfchat_job_events_dropped_total",
			Help: "Job transition events dropped because a subscriber buffer was full.",
		},
	)
)

func JobEnqueued(kind string) {
	jobsEnqueued.WithLabelValues(norm(kind)).Inc()
}

func JobFinished(kind, state string, took time.Duration) {
	jobsFinished.WithLabelValues(norm(kind), state).Inc()
	jobDuration.WithLabelValues(norm(kind), state).Observe(took.Seconds())
}

// SetJobsInState publishes the queue's current per-state counts.
func SetJobsInState(counts map[string]int) {
	for state, n := range counts {
		jobsInState.WithLabelValues(state).Set(float64(n))
	}
}

func JobEventDropped() {
	jobEventsDropped.Inc()
}
