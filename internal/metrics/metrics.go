package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTrackedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixel_events_tracked_total",
			Help: "Total number of track calls by outcome.",
		},
		[]string{"status"}, // sent, test, invalid, failed
	)

	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixel_delivery_attempts_total",
			Help: "Total number of physical HTTP attempts by outcome.",
		},
		[]string{"outcome"}, // success, failure
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixel_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, envelope
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixel_events_dropped_total",
			Help: "Total number of conversions dropped after retries were exhausted.",
		},
		[]string{"reason"},
	)

	DeliveryLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pixel_delivery_latency_seconds",
			Help:    "Latency of a logical send including retries and backoff.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 40},
		},
	)

	CommandsBuffered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pixel_commands_buffered",
			Help: "Commands waiting for the client to become ready.",
		},
	)

	CommandsRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pixel_commands_rejected_total",
			Help: "Total number of entry point calls with an unknown command.",
		},
	)

	DLQReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixel_dlq_received_total",
			Help: "Total number of dropped-conversion dead letters consumed by reason.",
		},
		[]string{"reason"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsTrackedTotal,
		DeliveryAttemptsTotal,
		RetriesTotal,
		EventsDroppedTotal,
		DeliveryLatencySeconds,
		CommandsBuffered,
		CommandsRejectedTotal,
		DLQReceivedTotal,
	)
}

func RecordTrack(status string) {
	EventsTrackedTotal.WithLabelValues(status).Inc()
}

func RecordAttempt(ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	DeliveryAttemptsTotal.WithLabelValues(outcome).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDropped(reason string) {
	EventsDroppedTotal.WithLabelValues(reason).Inc()
}

func RecordSendLatency(d time.Duration) {
	DeliveryLatencySeconds.Observe(d.Seconds())
}

func SetBuffered(n int) {
	CommandsBuffered.Set(float64(n))
}

func RecordRejectedCommand() {
	CommandsRejectedTotal.Inc()
}

func RecordDLQReceived(reason string) {
	DLQReceivedTotal.WithLabelValues(reason).Inc()
}
