package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Streaming metrics
	StreamOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_stream_outcomes_total",
			Help: "Completed relays by outcome",
		},
		[]string{"outcome"}, // completed, upstream_error, timeout, cancelled
	)

	MalformedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_stream_malformed_frames_total",
			Help: "Upstream frames that could not be decoded and were skipped",
		},
	)

	StreamDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_stream_duration_seconds",
			Help:    "Wall time from upstream open to terminal event",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
	)

	FinalizeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_finalize_failures_total",
			Help: "Completed streams whose assistant message could not be stored",
		},
	)
)
