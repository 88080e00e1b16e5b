package dispatch

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the worker dispatch pipeline.
type Metrics struct {
	Processed       *prometheus.CounterVec
	Duplicates      prometheus.Counter
	ReplayRejected  prometheus.Counter
	RateLimited     *prometheus.CounterVec
	FailClosed      prometheus.Counter
	DeadLettered    prometheus.Counter
	HandlerDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge
}

var (
	dispatchMetricsOnce sync.Once
	dispatchMetricsInst *Metrics
)

// NewMetrics registers the dispatch metrics once.
func NewMetrics() *Metrics {
	dispatchMetricsOnce.Do(func() {
		dispatchMetricsInst = &Metrics{
			Processed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "dispatch_events_processed_total",
				Help: "Events through the pipeline by terminal outcome",
			}, []string{"event_type", "outcome"}),
			Duplicates: promauto.NewCounter(prometheus.CounterOpts{
				Name: "dispatch_duplicates_total",
				Help: "Deliveries acked as duplicates (lock held or seen)",
			}),
			ReplayRejected: promauto.NewCounter(prometheus.CounterOpts{
				Name: "dispatch_replay_rejected_total",
				Help: "Events older than the replay window",
			}),
			RateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "dispatch_rate_limited_total",
				Help: "Events rejected by the sliding-window limiter",
			}, []string{"action"}),
			FailClosed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "dispatch_fail_closed_total",
				Help: "Nacks caused by lock/limiter/store unavailability",
			}),
			DeadLettered: promauto.NewCounter(prometheus.CounterOpts{
				Name: "dispatch_dead_lettered_total",
				Help: "Events copied to the DLQ on permanent failure",
			}),
			HandlerDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "dispatch_handler_duration_seconds",
				Help:    "Handler execution latency",
				Buckets: prometheus.DefBuckets,
			}, []string{"event_type"}),
			InFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "dispatch_in_flight",
				Help: "Messages currently inside the pipeline",
			}),
		}
	})
	return dispatchMetricsInst
}
