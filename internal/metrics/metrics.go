package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Self-telemetry of the anomaly pipeline
var (
	// Ingestion metrics
	SamplesIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_perf_samples_ingested_total",
			Help: "Total number of metric samples recorded into a baseline",
		},
	)

	SamplesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_perf_samples_rejected_total",
			Help: "Total number of metric payloads rejected before recording",
		},
		[]string{"reason"}, // reason: bad_payload/empty_name/non_finite
	)

	// Detection metrics
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_perf_anomalies_detected_total",
			Help: "Total number of anomaly verdicts emitted",
		},
		[]string{"type", "severity", "strategy"},
	)

	DetectionsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_perf_detections_skipped_total",
			Help: "Total number of samples for which no detection was attempted",
		},
		[]string{"reason"},
	)

	DetectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_perf_detection_duration_seconds",
			Help:    "Time spent inside a strategy's Detect call",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10), // 1µs to ~260ms
		},
		[]string{"strategy"},
	)

	// Baseline metrics
	BaselineMetricsTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_perf_baseline_metrics_tracked",
			Help: "Number of metric names with a baseline record",
		},
	)

	BaselineRestores = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_perf_baseline_restores_total",
			Help: "Total number of baseline restore attempts",
		},
		[]string{"result"}, // result: ok/rejected
	)

	// Event bus metrics
	BusEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_perf_bus_events_total",
			Help: "Total number of envelopes emitted on the event bus",
		},
		[]string{"event_type"},
	)

	BusListenerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_perf_bus_listener_failures_total",
			Help: "Total number of listener errors and panics isolated by the event bus",
		},
		[]string{"event_type"},
	)

	BusDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_perf_bus_dropped_total",
			Help: "Total number of emits dropped by the event bus",
		},
		[]string{"reason"}, // reason: max_depth/closed
	)

	// Anomaly stream metrics
	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_perf_stream_clients",
			Help: "Current number of connected anomaly stream clients",
		},
	)

	StreamMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_perf_stream_messages_dropped_total",
			Help: "Total number of anomaly stream messages dropped for slow clients",
		},
	)
)
