package gateway

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the gateway ingress.
type Metrics struct {
	EventsReceived *prometheus.CounterVec
	EventsRouted   *prometheus.CounterVec
	RouteFailures  *prometheus.CounterVec
	EventsDropped  *prometheus.CounterVec
	RouteDuration  prometheus.Histogram
	ShardsReady    prometheus.Gauge
	GuildsPerShard *prometheus.GaugeVec
	LastHeartbeat  *prometheus.GaugeVec
	Reconnects     *prometheus.CounterVec
}

var (
	gwMetricsOnce sync.Once
	gwMetricsInst *Metrics
)

// NewMetrics registers the gateway metrics once.
func NewMetrics() *Metrics {
	gwMetricsOnce.Do(func() {
		gwMetricsInst = &Metrics{
			EventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "gateway_events_received_total",
				Help: "Gateway dispatches received",
			}, []string{"shard_id", "event_type"}),
			EventsRouted: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "gateway_events_routed_total",
				Help: "Envelopes published to the bus",
			}, []string{"shard_id", "event_type"}),
			RouteFailures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "gateway_route_failures_total",
				Help: "Publish attempts that exhausted their retries",
			}, []string{"shard_id"}),
			EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "gateway_events_dropped_total",
				Help: "Events lost to overflow-buffer eviction",
			}, []string{"shard_id"}),
			RouteDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "gateway_route_duration_seconds",
				Help:    "Latency of a successful publish",
				Buckets: prometheus.DefBuckets,
			}),
			ShardsReady: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "gateway_shards_ready",
				Help: "Shards currently in the ready state",
			}),
			GuildsPerShard: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "gateway_guilds_per_shard",
				Help: "Guild count per shard",
			}, []string{"shard_id"}),
			LastHeartbeat: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "gateway_last_heartbeat_timestamp_seconds",
				Help: "Unix time of the last heartbeat ack per shard",
			}, []string{"shard_id"}),
			Reconnects: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "gateway_reconnects_total",
				Help: "Shard reconnect attempts",
			}, []string{"shard_id"}),
		}
	})
	return gwMetricsInst
}

func shardLabel(id uint32) string { return strconv.FormatUint(uint64(id), 10) }
