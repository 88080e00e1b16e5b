package agentgw

import (
	"context"
	"log"
	"time"

	"github.com/guildcore/backend/internal/ledger"
)

// DefaultDriftToleranceBPS is the reconciliation tolerance when the
// config knob is unset: 10 bps = 0.1%.
const DefaultDriftToleranceBPS = 10

// reconcileLookback is how far back each sweep cross-checks.
const reconcileLookback = time.Hour

// UsageSource pulls the provider-side usage reports. The production
// implementation calls the provider's usage API; tests stub it.
type UsageSource interface {
	// UsageSince returns cost micros per tenant for invocations the
	// provider billed at or after t.
	UsageSince(ctx context.Context, provider string, t time.Time) (map[string]int64, error)
}

// Reconciler cross-checks local invocation records against provider
// usage reports. In-tolerance drift is reported as a metric only; drift
// beyond tolerance writes a compensating ledger movement.
type Reconciler struct {
	providers    []string
	source       UsageSource
	invocations  InvocationLog
	ledger       Ledger
	poolID       string
	toleranceBPS int64
	metrics      *Metrics
	logger       *log.Logger
	now          func() time.Time
}

// NewReconciler creates a sweep over the given providers. toleranceBPS
// <= 0 uses DefaultDriftToleranceBPS.
func NewReconciler(providers []string, source UsageSource, invocations InvocationLog, lgr Ledger, poolID string, toleranceBPS int64) *Reconciler {
	if toleranceBPS <= 0 {
		toleranceBPS = DefaultDriftToleranceBPS
	}
	return &Reconciler{
		providers:    providers,
		source:       source,
		invocations:  invocations,
		ledger:       lgr,
		poolID:       poolID,
		toleranceBPS: toleranceBPS,
		metrics:      NewMetrics(),
		logger:       log.New(log.Writer(), "[RECONCILE] ", log.LstdFlags),
		now:          time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Printf("⚠️ sweep failed: %v", err)
			}
		}
	}
}

// Sweep runs one reconciliation pass across all providers.
func (r *Reconciler) Sweep(ctx context.Context) error {
	since := r.now().Add(-reconcileLookback)
	for _, provider := range r.providers {
		if err := r.sweepProvider(ctx, provider, since); err != nil {
			return err
		}
	}
	r.metrics.ReconcileRuns.Inc()
	return nil
}

func (r *Reconciler) sweepProvider(ctx context.Context, provider string, since time.Time) error {
	reported, err := r.source.UsageSince(ctx, provider, since)
	if err != nil {
		return err
	}
	records, err := r.invocations.ListSince(provider, since)
	if err != nil {
		return err
	}

	local := make(map[string]int64)
	for _, rec := range records {
		if rec.Succeeded {
			local[rec.TenantID] += rec.CostMicro
		}
	}

	var worstDrift int64
	for tenantID, reportedMicro := range reported {
		localMicro := local[tenantID]
		drift := ledger.ShareBPS(abs64(reportedMicro-localMicro), max64(localMicro, 1))
		if drift > worstDrift {
			worstDrift = drift
		}
		if ledger.WithinDriftTolerance(localMicro, reportedMicro, max64(localMicro, reportedMicro), r.toleranceBPS) {
			continue
		}
		if err := r.compensate(ctx, provider, tenantID, reportedMicro-localMicro); err != nil {
			r.logger.Printf("❌ compensation failed provider=%s tenant=%s: %v", provider, tenantID, err)
		}
	}
	r.metrics.UsageDriftBPS.WithLabelValues(provider).Set(float64(worstDrift))
	return nil
}

// compensate writes the correcting movement: a positive delta means the
// provider billed more than we charged, so the missing cost is reserved
// and finalized now; a negative delta refunds the overcharge through a
// grant lot.
func (r *Reconciler) compensate(ctx context.Context, provider, tenantID string, deltaMicro int64) error {
	refID := "reconcile-" + provider + "-" + r.now().UTC().Format("2006010215")
	if deltaMicro > 0 {
		res, err := r.ledger.Reserve(ctx, tenantID, r.poolID, deltaMicro, ledger.DefaultReservationTTL)
		if err != nil {
			return err
		}
		_, err = r.ledger.Finalize(ctx, tenantID, res.ID, refID, deltaMicro)
		if err != nil {
			return err
		}
	} else {
		if err := r.grant(ctx, tenantID, -deltaMicro, refID); err != nil {
			return err
		}
	}
	r.logger.Printf("💰 Reconciled provider=%s tenant=%s delta=%d micro", provider, tenantID, deltaMicro)
	return nil
}

// Granter is implemented by *ledger.Engine; the narrow Ledger interface
// omits Deposit so the assertion happens here.
type Granter interface {
	Deposit(ctx context.Context, tenantID, poolID string, amountMicro int64, source ledger.LotSource, paymentID string) (*ledger.Lot, error)
}

func (r *Reconciler) grant(ctx context.Context, tenantID string, amountMicro int64, refID string) error {
	g, ok := r.ledger.(Granter)
	if !ok {
		r.logger.Printf("⚠️ ledger cannot grant; overcharge of %d micro for %s left unrefunded", amountMicro, tenantID)
		return nil
	}
	_, err := g.Deposit(ctx, tenantID, r.poolID, amountMicro, ledger.SourceGrant, refID)
	return err
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
