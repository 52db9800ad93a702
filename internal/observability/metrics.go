package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StorageTier reports the currently active storage tier (0=embedded,
	// 1=hybrid, 2=remote).
	StorageTier = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carewire_storage_tier",
		Help: "Currently active storage tier (0=embedded, 1=hybrid, 2=remote)",
	})

	// StorageTierSwitches counts tier switches by origin and destination tier.
	StorageTierSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carewire_storage_tier_switches_total",
		Help: "Total number of storage tier switches",
	}, []string{"from", "to", "trigger"})

	// StorageWriteLatency records message write latency per tier.
	StorageWriteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carewire_storage_write_latency_seconds",
		Help:    "Message write latency in seconds by storage tier",
		Buckets: prometheus.DefBuckets,
	}, []string{"tier"})

	// StorageWriteFailures counts failed writes per tier.
	StorageWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carewire_storage_write_failures_total",
		Help: "Total number of failed storage writes by tier",
	}, []string{"tier"})

	// ReplicationQueueDepth is the number of messages waiting for async
	// replication to the remote store.
	ReplicationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carewire_replication_queue_depth",
		Help: "Messages queued for async replication to the remote store",
	})

	// MessageThroughput counts messages processed per conversation type and priority.
	MessageThroughput = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carewire_message_throughput_total",
		Help: "Total number of messages processed",
	}, []string{"message_type", "priority"})

	// WebSocketConnectionsTotal is the gauge of total WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carewire_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// WebSocketEventsTotal counts WebSocket events by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carewire_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carewire_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// AuditEntriesTotal counts audit entries by risk level.
	AuditEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carewire_audit_entries_total",
		Help: "Total audit entries recorded by risk level",
	}, []string{"risk_level"})

	// SuspiciousActivityTotal counts audit entries flagged by a suspicion heuristic.
	SuspiciousActivityTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carewire_suspicious_activity_total",
		Help: "Total audit entries flagged as suspicious by heuristic",
	}, []string{"heuristic"})

	// CodecFailures counts encryption and decryption failures.
	CodecFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carewire_codec_failures_total",
		Help: "Total content codec failures by kind",
	}, []string{"kind"})

	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carewire_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})
)

// ObserveWriteLatency records a storage write duration for the tier.
func ObserveWriteLatency(tier string, start time.Time) {
	StorageWriteLatency.WithLabelValues(tier).Observe(time.Since(start).Seconds())
}

// TrackWrite returns a function that records write latency when called (e.g. defer).
func TrackWrite(tier string) func() {
	start := time.Now()
	return func() {
		ObserveWriteLatency(tier, start)
	}
}
