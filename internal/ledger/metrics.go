package ledger

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the ledger engine.
type Metrics struct {
	DepositedMicro      prometheus.Counter
	ConsumedMicro       prometheus.Counter
	ReservationsOpened  prometheus.Counter
	ReservationsExpired prometheus.Counter
	OCCConflicts        prometheus.Counter
	PayoutTransitions   *prometheus.CounterVec
	ReconciliationDrift prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *Metrics
)

// NewMetrics registers the ledger metrics once; later calls return the
// same instance (multiple engines share one registry).
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInst = &Metrics{
			DepositedMicro: promauto.NewCounter(prometheus.CounterOpts{
				Name: "ledger_deposited_micro_total",
				Help: "Total micros deposited into lots",
			}),
			ConsumedMicro: promauto.NewCounter(prometheus.CounterOpts{
				Name: "ledger_consumed_micro_total",
				Help: "Total micros consumed by finalized reservations",
			}),
			ReservationsOpened: promauto.NewCounter(prometheus.CounterOpts{
				Name: "ledger_reservations_opened_total",
				Help: "Reservations created",
			}),
			ReservationsExpired: promauto.NewCounter(prometheus.CounterOpts{
				Name: "ledger_reservations_expired_total",
				Help: "Reservations expired by the sweep",
			}),
			OCCConflicts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "ledger_occ_conflicts_total",
				Help: "Optimistic concurrency conflicts observed",
			}),
			PayoutTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_payout_transitions_total",
				Help: "Payout state transitions",
			}, []string{"from", "to"}),
			ReconciliationDrift: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "ledger_reconciliation_drift_micro",
				Help: "Absolute drift between fast path and store at last reconciliation",
			}),
		}
	})
	return metricsInst
}
