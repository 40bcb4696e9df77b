// Package metrics provides Prometheus metrics collection for apimeter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for apimeter.
type Collector struct {
	// Governor metrics
	CallsTotal        *prometheus.CounterVec
	CallDuration      *prometheus.HistogramVec
	CallsInFlight     *prometheus.GaugeVec
	AdmissionRejects  *prometheus.CounterVec
	Retries           *prometheus.CounterVec
	RateLimitRequeues *prometheus.CounterVec

	// Recorder metrics
	EventsRecorded prometheus.Counter
	EventsEvicted  prometheus.Counter

	// Broadcast metrics
	Subscribers    prometheus.Gauge
	BroadcastDrops prometheus.Counter

	// HTTP metrics
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
}

// New creates a new metrics collector with all metrics registered.
func New() *Collector {
	return &Collector{
		CallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "apimeter",
				Name:      "calls_total",
				Help:      "Total governed outbound calls by API kind and outcome",
			},
			[]string{"api", "status"},
		),
		CallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "apimeter",
				Name:      "call_duration_seconds",
				Help:      "Outbound call duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"api"},
		),
		CallsInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "apimeter",
				Name:      "calls_in_flight",
				Help:      "Outbound calls currently executing",
			},
			[]string{"api"},
		),
		AdmissionRejects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "apimeter",
				Name:      "admission_rejects_total",
				Help:      "Calls rejected by admission control before starting",
			},
			[]string{"api"},
		),
		Retries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "apimeter",
				Name:      "retries_total",
				Help:      "In-process retries of transient failures",
			},
			[]string{"api"},
		),
		RateLimitRequeues: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "apimeter",
				Name:      "rate_limit_requeues_total",
				Help:      "Calls requeued after a provider rate-limit signal",
			},
			[]string{"api"},
		),

		EventsRecorded: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "apimeter",
				Name:      "usage_events_total",
				Help:      "Usage events appended to the log",
			},
		),
		EventsEvicted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "apimeter",
				Name:      "usage_events_evicted_total",
				Help:      "Usage events dropped by retention eviction",
			},
		),

		Subscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "apimeter",
				Name:      "stream_subscribers",
				Help:      "Connected realtime dashboard subscribers",
			},
		),
		BroadcastDrops: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "apimeter",
				Name:      "stream_drops_total",
				Help:      "Snapshots dropped from slow subscriber outboxes",
			},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "apimeter",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"method", "path", "status"},
		),
		RequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "apimeter",
				Name:      "http_requests_in_flight",
				Help:      "HTTP requests currently being served",
			},
		),
	}
}
