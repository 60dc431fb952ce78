package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		handleResolutions,
		chatRequests,
		chatSources,
		sseStreams,
	)
}

var (
	handleResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdfchat_vectorstore_resolutions_total",
			Help: "Handle resolutions by outcome: cache, memory, opened, created, fallback.",
		},
		[]string{"outcome"},
	)

	chatRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdfchat_chat_requests_total",
			Help: "Chat requests by terminal outcome.",
		},
		[]string{"outcome"},
	)

	chatSources = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pdfchat_chat_sources",
			Help:    "Passages placed in the grounding prompt per request.",
			Buckets: prometheus.LinearBuckets(0, 1, 9),
		},
	)

	sseStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pdfchat_sse_streams",
			Help: "Open job status event streams.",
		},
	)
)

func HandleResolved(outcome string) {
	handleResolutions.WithLabelValues(norm(outcome)).Inc()
}

func ChatFinished(outcome string, sources int) {
	chatRequests.WithLabelValues(norm(outcome)).Inc()
	chatSources.Observe(float64(sources))
}

func SSEStreamOpened() { sseStreams.Inc() }

func SSEStreamClosed() { sseStreams.Dec() }
