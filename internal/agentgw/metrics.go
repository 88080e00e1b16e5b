package agentgw

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the agent gateway.
type Metrics struct {
	Invocations       *prometheus.CounterVec
	StreamDuration    *prometheus.HistogramVec
	CostMicro         *prometheus.CounterVec
	BreakerRejections *prometheus.CounterVec
	UsageDriftBPS     *prometheus.GaugeVec
	ReconcileRuns     prometheus.Counter
	ActiveStreams     prometheus.Gauge
}

var (
	agwMetricsOnce sync.Once
	agwMetricsInst *Metrics
)

// NewMetrics registers the agent gateway metrics once.
func NewMetrics() *Metrics {
	agwMetricsOnce.Do(func() {
		agwMetricsInst = &Metrics{
			Invocations: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentgw_invocations_total",
				Help: "Agent invocations by provider, accounting mode and outcome",
			}, []string{"provider", "mode", "status"}),
			StreamDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "agentgw_stream_duration_seconds",
				Help:    "Wall time of a completed upstream stream",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			}, []string{"provider"}),
			CostMicro: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentgw_cost_micro_total",
				Help: "Exact invocation cost in micros",
			}, []string{"provider", "mode"}),
			BreakerRejections: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentgw_breaker_rejections_total",
				Help: "Invocations refused by an open provider breaker",
			}, []string{"provider"}),
			UsageDriftBPS: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "agentgw_usage_drift_bps",
				Help: "Provider-reported vs local cost drift, basis points",
			}, []string{"provider"}),
			ReconcileRuns: promauto.NewCounter(prometheus.CounterOpts{
				Name: "agentgw_reconcile_runs_total",
				Help: "Completed reconciliation sweeps",
			}),
			ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "agentgw_active_streams",
				Help: "Caller streams currently open",
			}),
		}
	})
	return agwMetricsInst
}
