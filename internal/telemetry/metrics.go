package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transfer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Transfer metrics
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_transfers_total",
			Help: "Total number of transfer executions by outcome",
		},
		[]string{"outcome"}, // committed, insufficient_funds, rejected, conflict, unavailable, replayed
	)

	TransferAmount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transfer_amount",
			Help:    "Transfer amount distribution (major currency units)",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 100000},
		},
		[]string{"outcome"},
	)

	TransferProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transfer_processing_duration_seconds",
			Help:    "Time to drive a transfer to its outcome",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	// Concurrency metrics
	LeaseWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transfer_lease_wait_duration_seconds",
			Help:    "Time spent waiting for an account-pair lease",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	RetryableConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_retryable_conflicts_total",
			Help: "Attempts that hit a version conflict or an unavailable lease",
		},
		[]string{"kind"}, // version, lease
	)

	// Idempotency metrics
	DuplicateTransfersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transfer_duplicate_submissions_total",
			Help: "Total number of submissions answered from a stored terminal record",
		},
	)

	// Recovery metrics
	RecoveredTransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_recovered_total",
			Help: "Non-terminal transfers handled by the recovery pass",
		},
		[]string{"result"}, // committed, failed, expired, pending
	)

	// Journal metrics
	JournalWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transfer_journal_write_duration_seconds",
			Help:    "Time to append and sync a journal batch",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	// Event bus metrics
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_events_published_total",
			Help: "Total number of transfer events published",
		},
		[]string{"sink", "type"},
	)

	EventPublishFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_event_publish_failures_total",
			Help: "Total number of transfer events that could not be published",
		},
		[]string{"sink"},
	)

	NATSMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_nats_messages_received_total",
			Help: "Total number of NATS messages received",
		},
		[]string{"subject"},
	)
)
