package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/guildcore/backend/internal/bus"
	"github.com/guildcore/backend/internal/envelope"
	"github.com/guildcore/backend/internal/faults"
	"github.com/guildcore/backend/internal/locks"
	"github.com/guildcore/backend/internal/tenant"
)

// ReplayWindow is the maximum producer-timestamp age; older events are
// rejected before any rate-limit unit is consumed.
const ReplayWindow = 5 * time.Minute

// DefaultMaxInFlight bounds concurrent pipeline executions per worker.
const DefaultMaxInFlight = 16

// Dispatcher runs the per-event pipeline over a bus subscription.
type Dispatcher struct {
	registry *Registry
	cache    *tenant.Cache
	limiter  *tenant.Limiter
	locks    *locks.Manager
	outcomes *Outcomes
	dlq      bus.DeadLetterer

	sem     *semaphore.Weighted
	metrics *Metrics
	logger  *log.Logger
	now     func() time.Time
}

// New wires the pipeline. maxInFlight <= 0 uses DefaultMaxInFlight.
func New(registry *Registry, cache *tenant.Cache, limiter *tenant.Limiter, lockMgr *locks.Manager, outcomes *Outcomes, dlq bus.DeadLetterer, maxInFlight int64) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	return &Dispatcher{
		registry: registry,
		cache:    cache,
		limiter:  limiter,
		locks:    lockMgr,
		outcomes: outcomes,
		dlq:      dlq,
		sem:      semaphore.NewWeighted(maxInFlight),
		metrics:  NewMetrics(),
		logger:   log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		now:      time.Now,
	}
}

// Run consumes messages until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, consumer bus.Consumer) error {
	d.logger.Printf("🚀 Dispatcher running")
	return consumer.Receive(ctx, d.Handle)
}

// Handle runs one delivery through the pipeline. Exactly one of Ack or
// Nack is called on every path.
func (d *Dispatcher) Handle(ctx context.Context, msg *bus.Message) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		msg.Nack()
		return
	}
	defer d.sem.Release(1)
	d.metrics.InFlight.Inc()
	defer d.metrics.InFlight.Dec()

	env := msg.Env
	if env == nil || !env.Type.Valid() {
		d.poison(ctx, msg, "malformed_envelope")
		return
	}

	reg, ok := d.registry.Lookup(env.Type)
	if !ok {
		// no consumer for this type; drop without charging anything
		d.metrics.Processed.WithLabelValues(env.Type.String(), "skipped").Inc()
		msg.Ack()
		return
	}

	// tenant context before the lock so an unknown-tenant load failure
	// never leaves a lock behind
	var com *tenant.Community
	if env.TenantScoped() {
		var err error
		com, err = d.cache.Get(ctx, env.SubjectKey)
		if err != nil {
			d.failClosed(msg, "tenant_load", err)
			return
		}
	}

	lock, err := d.locks.AcquireEvent(ctx, env.ID.String(), reg.LockTTL)
	if errors.Is(err, locks.ErrAlreadyHeld) {
		// a peer is executing this id right now: duplicate delivery
		d.metrics.Duplicates.Inc()
		msg.Ack()
		return
	}
	if err != nil {
		d.failClosed(msg, "lock_acquire", err)
		return
	}
	defer func() {
		// release outlives ctx so a cancelled handler still frees the lock
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, locks.ErrNotHolder) {
			d.logger.Printf("⚠️ lock release failed for %s: %v", env.ID, err)
		}
	}()

	if env.Age(d.now()) > ReplayWindow {
		d.metrics.ReplayRejected.Inc()
		d.finish(ctx, msg, Outcome{Status: StatusReplayed, Code: "replay_window", RecordedAt: d.now()})
		return
	}

	prior, err := d.outcomes.Find(ctx, env.ID.String())
	if err != nil {
		d.failClosed(msg, "outcome_read", err)
		return
	}
	if prior != nil {
		d.metrics.Duplicates.Inc()
		msg.Ack()
		return
	}

	if reg.Action != "" && com != nil {
		limit := com.Limit(d.cache.TierDefaults(), reg.Action, reg.Window)
		decision, err := d.limiter.Allow(ctx, com.ID, reg.Action, reg.Window, limit)
		if err != nil {
			d.failClosed(msg, "ratelimit", err)
			return
		}
		if !decision.Allowed {
			d.metrics.RateLimited.WithLabelValues(reg.Action).Inc()
			d.finish(ctx, msg, Outcome{
				Status:       StatusRateLimited,
				Code:         "rate_limited",
				RetryAfterMS: decision.RetryAfter(d.now()).Milliseconds(),
				RecordedAt:   d.now(),
			})
			return
		}
	}

	start := time.Now()
	handlerErr := reg.Handler.Handle(ctx, env, com)
	d.metrics.HandlerDuration.WithLabelValues(env.Type.String()).Observe(time.Since(start).Seconds())

	if handlerErr == nil {
		d.metrics.Processed.WithLabelValues(env.Type.String(), string(StatusSuccess)).Inc()
		d.finish(ctx, msg, Outcome{Status: StatusSuccess, RecordedAt: d.now()})
		return
	}

	if faults.IsRetryable(handlerErr) {
		// no outcome written: the redelivery must run the handler again
		d.logger.Printf("⚠️ transient failure on %s (%s), nacking: %v", env.ID, env.Type, handlerErr)
		msg.Nack()
		return
	}

	code := "handler_failure"
	if f := faults.As(handlerErr); f != nil {
		code = f.Code
		if f.Kind == faults.KindIntegrity {
			d.logger.Printf("❌ INTEGRITY failure on %s (%s): %v", env.ID, env.Type, handlerErr)
		}
	}
	d.metrics.Processed.WithLabelValues(env.Type.String(), string(StatusFailure)).Inc()
	d.metrics.DeadLettered.Inc()
	if err := d.dlq.DeadLetter(ctx, env, code); err != nil {
		d.logger.Printf("⚠️ DLQ copy failed for %s: %v", env.ID, err)
	}
	d.finish(ctx, msg, Outcome{Status: StatusFailure, Code: code, RecordedAt: d.now()})
}

// finish records the outcome and acks. A store outage turns into a nack
// so the delivery is retried with the outcome still unwritten.
func (d *Dispatcher) finish(ctx context.Context, msg *bus.Message, out Outcome) {
	if err := d.outcomes.Record(ctx, msg.Env.ID.String(), out); err != nil {
		d.failClosed(msg, "outcome_write", err)
		return
	}
	msg.Ack()
}

// failClosed nacks when a required backing service is unavailable. The
// pipeline never falls through to an unlocked or unmetered path.
func (d *Dispatcher) failClosed(msg *bus.Message, stage string, err error) {
	d.metrics.FailClosed.Inc()
	d.logger.Printf("⚠️ fail-closed at %s for %s: %v", stage, msg.Env.ID, err)
	msg.Nack()
}

// poison acks a malformed delivery after copying it to the DLQ.
func (d *Dispatcher) poison(ctx context.Context, msg *bus.Message, reason string) {
	d.metrics.Processed.WithLabelValues(typeLabel(msg.Env), "malformed").Inc()
	if msg.Env != nil {
		if err := d.dlq.DeadLetter(ctx, msg.Env, reason); err != nil {
			d.logger.Printf("⚠️ DLQ copy failed: %v", err)
		}
	}
	msg.Ack()
}

func typeLabel(env *envelope.Envelope) string {
	if env == nil {
		return "unknown"
	}
	return env.Type.String()
}
