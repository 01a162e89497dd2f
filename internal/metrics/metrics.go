package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "route"},
	)

	// Ingest metrics
	IngestEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_ingest_events_total",
			Help: "Total number of events received",
		},
		[]string{"source", "status"}, // status: accepted, rejected
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_ingest_batch_size",
			Help:    "Size of event batches received",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_worker_queue_size",
			Help: "Current size of the ingest queue",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_worker_queue_capacity",
			Help: "Capacity of the ingest queue",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_worker_processed_total",
			Help: "Total number of events processed by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_worker_failed_total",
			Help: "Total number of events that failed in workers",
		},
	)

	EventProcessDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_event_process_duration_seconds",
			Help:    "Time taken to evaluate one event against all active rules",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// Rule engine metrics
	RuleEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_rule_evaluations_total",
			Help: "Total number of rule evaluations",
		},
		[]string{"condition_type", "outcome"}, // outcome: matched, unmatched, error
	)

	RuleEvaluationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_rule_evaluation_errors_total",
			Help: "Total number of rule evaluation or admission errors",
		},
		[]string{"stage"}, // stage: evaluate, admit, open, touch
	)

	ActiveRules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_active_rules",
			Help: "Number of active rules in the current snapshot",
		},
	)

	WindowDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_window_decisions_total",
			Help: "Aggregation window decisions",
		},
		[]string{"action"}, // action: open, fold, drop
	)

	// Alert lifecycle metrics
	AlertTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_alert_transitions_total",
			Help: "Alert state machine transitions",
		},
		[]string{"action"},
	)

	AlertConflictRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_alert_conflict_retries_total",
			Help: "Optimistic concurrency retries on alert writes",
		},
	)

	// Escalation metrics
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_escalation_sweep_duration_seconds",
			Help:    "Duration of escalation sweeps",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 10},
		},
	)

	SweepActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_escalation_sweep_actions_total",
			Help: "Actions taken by escalation sweeps",
		},
		[]string{"action"}, // action: unsnoozed, escalated, failed, reaped
	)

	// Notification metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_notifications_total",
			Help: "Notification deliveries per channel",
		},
		[]string{"channel", "kind", "status"}, // status: success, failed, rate_limited
	)

	NotificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_notification_duration_seconds",
			Help:    "Time taken to deliver a notification",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"channel"},
	)

	// Kafka metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	KafkaConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_kafka_consumed_total",
			Help: "Total number of Kafka messages consumed",
		},
		[]string{"status"}, // status: accepted, malformed
	)

	OTLPRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_otlp_log_records_total",
			Help: "Total number of OTLP log records received",
		},
		[]string{"protocol", "status"}, // status: accepted, rejected, skipped
	)

	// Live feed
	FeedSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_feed_subscribers",
			Help: "Connected websocket feed subscribers",
		},
	)

	FeedPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_feed_publish_total",
			Help: "Total number of alert changes published to external feeds",
		},
		[]string{"sink", "status"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
