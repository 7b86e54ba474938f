package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Publisher lifecycle metrics
	LeadershipCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbrix_publisher_leadership_cycles_total",
			Help: "Leadership cycle outcomes by result (acquired, contended, error)",
		},
		[]string{"result"},
	)

	PublisherRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "umbrix_publisher_running",
			Help: "Whether this instance currently runs the stream consumer (1 = running)",
		},
	)

	// Stream metrics
	StreamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbrix_publisher_stream_events_total",
			Help: "Stream events consumed by trigger type (live, digest, unknown)",
		},
		[]string{"trigger_type"},
	)

	StreamBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "umbrix_publisher_batch_duration_seconds",
			Help:    "Time taken to process one stream batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatch metrics
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbrix_publisher_dispatches_total",
			Help: "Outcome dispatches by connector kind and status (sent, failed, skipped)",
		},
		[]string{"connector", "status"},
	)

	// Outcome store metrics
	OutcomeMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "umbrix_outcome_mutations_total",
			Help: "Outcome entity mutations by operation",
		},
		[]string{"operation"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(LeadershipCyclesTotal)
	prometheus.MustRegister(PublisherRunning)
	prometheus.MustRegister(StreamEventsTotal)
	prometheus.MustRegister(StreamBatchDuration)
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(OutcomeMutationsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
