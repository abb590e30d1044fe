package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters mirrored outside prometheus so the health endpoint and the admin
// API can read them without scraping.
var (
	activeConnectionsCount int64
	activeSubscrCount      int64
	messagesProcessedCount int64
	eventsAcceptedCount    int64
	lastEventTimestamp     int64
)

// Metrics for tracking relay performance and usage
var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gated_relay_active_connections",
		Help: "The number of open WebSocket connections",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gated_relay_active_subscriptions",
		Help: "The number of registered subscriptions",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gated_relay_connections_rejected_total",
		Help: "Connections refused or dropped by the relay, by reason",
	}, []string{"reason"}) // "connection_limit", "slow_consumer"

	// Message metrics
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gated_relay_messages_received_total",
		Help: "The total number of frames received",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gated_relay_messages_sent_total",
		Help: "The total number of frames written to clients",
	})

	MessageSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gated_relay_message_size_bytes",
		Help:    "Size of received frames in bytes",
		Buckets: prometheus.ExponentialBuckets(10, 10, 6),
	})

	// Command metrics
	CommandsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gated_relay_commands_received_total",
		Help: "The total number of commands received by type",
	}, []string{"type"})

	CommandProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gated_relay_command_processing_duration_seconds",
		Help:    "Time to process different command types",
		Buckets: prometheus.ExponentialBuckets(0.001, 10, 5),
	}, []string{"type"})

	// Event metrics
	EventsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gated_relay_events_accepted_total",
		Help: "Events acknowledged with OK true, by storage outcome",
	}, []string{"outcome"}) // "stored", "duplicate", "superseded", "tombstoned", "ephemeral"

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gated_relay_events_rejected_total",
		Help: "Events refused by the relay, by stage",
	}, []string{"stage"}) // "origin_limit", "invalid", "auth", "pubkey_limit", "store"

	EventsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gated_relay_events_broadcast_total",
		Help: "Live EVENT frames delivered to subscribers",
	})

	// Whitelist metrics
	WhitelistLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gated_relay_whitelist_lookups_total",
		Help: "Authorization decisions by result",
	}, []string{"result"}) // "open_kind", "env", "provider", "dev", "denied", "error"

	// HTTP metrics
	HTTPRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gated_relay_http_requests_total",
		Help: "The total number of HTTP requests",
	})

	HTTPRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gated_relay_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 10, 5),
	})

	HTTPErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gated_relay_http_errors_total",
		Help: "Error responses written by the admin API, by error type",
	}, []string{"type"})

	// Database metrics
	DBErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gated_relay_db_errors_total",
		Help: "Total number of database errors by operation",
	}, []string{"operation"})

	DBOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gated_relay_db_operation_duration_seconds",
		Help:    "Storage operation latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 7),
	}, []string{"operation"})

	EventsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gated_relay_events_expired_total",
		Help: "Events removed by the expiration cleaner",
	})
)

// IncrementActiveConnections increments both the prometheus gauge and the local counter
func IncrementActiveConnections() {
	ActiveConnections.Inc()
	atomic.AddInt64(&activeConnectionsCount, 1)
}

// DecrementActiveConnections decrements both the prometheus gauge and the local counter
func DecrementActiveConnections() {
	ActiveConnections.Dec()
	atomic.AddInt64(&activeConnectionsCount, -1)
}

// GetActiveConnectionsCount returns the current number of open WebSocket connections
func GetActiveConnectionsCount() int64 {
	return atomic.LoadInt64(&activeConnectionsCount)
}

func IncrementActiveSubscriptions() {
	ActiveSubscriptions.Inc()
	atomic.AddInt64(&activeSubscrCount, 1)
}

func DecrementActiveSubscriptions() {
	ActiveSubscriptions.Dec()
	atomic.AddInt64(&activeSubscrCount, -1)
}

// GetActiveSubscriptionsCount returns the current number of subscriptions
func GetActiveSubscriptionsCount() int64 {
	return atomic.LoadInt64(&activeSubscrCount)
}

// IncrementMessagesProcessed counts one received frame of the given size.
func IncrementMessagesProcessed(size int) {
	MessagesReceived.Inc()
	MessageSizeBytes.Observe(float64(size))
	atomic.AddInt64(&messagesProcessedCount, 1)
}

// GetMessagesProcessedCount returns the number of frames received since start
func GetMessagesProcessedCount() int64 {
	return atomic.LoadInt64(&messagesProcessedCount)
}

// RecordAccepted counts an event acknowledged with OK true.
func RecordAccepted(outcome string) {
	EventsAccepted.WithLabelValues(outcome).Inc()
	atomic.AddInt64(&eventsAcceptedCount, 1)
	atomic.StoreInt64(&lastEventTimestamp, time.Now().Unix())
}

// GetEventsAcceptedCount returns the number of events acknowledged since start
func GetEventsAcceptedCount() int64 {
	return atomic.LoadInt64(&eventsAcceptedCount)
}

// GetLastEventTime returns when the last event was accepted, or the zero time.
func GetLastEventTime() time.Time {
	ts := atomic.LoadInt64(&lastEventTimestamp)
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// RecordRejected counts an event refused at the given pipeline stage.
func RecordRejected(stage string) {
	EventsRejected.WithLabelValues(stage).Inc()
}

// IncrementErrorCount counts one admin API error response.
func IncrementErrorCount(errorType string) {
	HTTPErrors.WithLabelValues(errorType).Inc()
}

// ObserveDB records the latency of one storage operation and its failure, if any.
func ObserveDB(operation string, start time.Time, err error) {
	DBOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		DBErrors.WithLabelValues(operation).Inc()
	}
}

// RegisterMetrics pre-registers label values so dashboards show zeros
// instead of gaps before the first occurrence.
func RegisterMetrics() {
	for _, cmdType := range []string{"EVENT", "REQ", "CLOSE", "AUTH"} {
		CommandsReceived.WithLabelValues(cmdType)
		CommandProcessingDuration.WithLabelValues(cmdType)
	}
	for _, outcome := range []string{"stored", "duplicate", "superseded", "tombstoned", "ephemeral"} {
		EventsAccepted.WithLabelValues(outcome)
	}
	for _, stage := range []string{"origin_limit", "invalid", "auth", "pubkey_limit", "store"} {
		EventsRejected.WithLabelValues(stage)
	}
	for _, result := range []string{"open_kind", "env", "provider", "dev", "denied", "error"} {
		WhitelistLookups.WithLabelValues(result)
	}
	for _, reason := range []string{"connection_limit", "slow_consumer"} {
		ConnectionsRejected.WithLabelValues(reason)
	}
	for _, op := range []string{"save", "query", "whitelist_get", "whitelist_list", "whitelist_add", "whitelist_update", "cleanup"} {
		DBErrors.WithLabelValues(op)
		DBOperationDuration.WithLabelValues(op)
	}
}
