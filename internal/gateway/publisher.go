package gateway

import (
	"context"
	"log"
	"time"

	"github.com/guildcore/backend/internal/bus"
	"github.com/guildcore/backend/internal/circuitbreaker"
	"github.com/guildcore/backend/internal/envelope"
)

const (
	// publishAttempts bounds the retry loop on one envelope.
	publishAttempts = 5
	// bufferCap is the per-shard overflow buffer; beyond it the oldest
	// event is dropped and the loss counter increments.
	bufferCap = 1000
)

// Router moves one shard's envelopes onto the bus. Publish failures are
// retried with exponential backoff; persistent failure trips the
// per-shard breaker and the router falls back to buffer-only mode until
// the cooldown elapses.
type Router struct {
	shardID uint32
	pub     bus.Publisher
	breaker *circuitbreaker.CircuitBreaker
	state   *State
	metrics *Metrics
	logger  *log.Logger

	retryBase time.Duration

	// overflow ring: oldest at buf[head], size live slots
	buf  []*envelope.Envelope
	head int
	size int
}

// NewRouter creates the router for one shard session.
func NewRouter(shardID uint32, pub bus.Publisher, state *State, metrics *Metrics) *Router {
	return &Router{
		shardID:   shardID,
		pub:       pub,
		breaker:   circuitbreaker.New(circuitbreaker.PublishConfig(shardID)),
		state:     state,
		metrics:   metrics,
		logger:    log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
		retryBase: 100 * time.Millisecond,
	}
}

// Route publishes env, or buffers it when the bus is unreachable.
// Called from the session's read loop, so it is single-goroutine.
func (r *Router) Route(ctx context.Context, env *envelope.Envelope) {
	if err := r.breaker.Allow(); err != nil {
		r.buffer(env)
		return
	}

	start := time.Now()
	if err := r.publishWithRetry(ctx, env); err != nil {
		r.breaker.RecordResult(false)
		r.state.RecordRouteFailure(r.shardID)
		r.metrics.RouteFailures.WithLabelValues(shardLabel(r.shardID)).Inc()
		r.logger.Printf("❌ shard=%d publish failed after %d attempts, buffering: %v", r.shardID, publishAttempts, err)
		r.buffer(env)
		return
	}
	r.breaker.RecordResult(true)
	r.state.RecordRoute(r.shardID)
	r.metrics.EventsRouted.WithLabelValues(shardLabel(r.shardID), env.Type.String()).Inc()
	r.metrics.RouteDuration.Observe(time.Since(start).Seconds())

	r.drain(ctx)
}

func (r *Router) publishWithRetry(ctx context.Context, env *envelope.Envelope) error {
	var err error
	delay := r.retryBase
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		if err = r.pub.Publish(ctx, env); err == nil {
			return nil
		}
	}
	return err
}

func (r *Router) buffer(env *envelope.Envelope) {
	if r.buf == nil {
		r.buf = make([]*envelope.Envelope, bufferCap)
	}
	if r.size == bufferCap {
		// full: the slot at head holds the oldest envelope; overwrite
		// it and advance so arrival order is preserved
		r.buf[r.head] = env
		r.head = (r.head + 1) % bufferCap
		r.state.RecordDrop(r.shardID)
		r.metrics.EventsDropped.WithLabelValues(shardLabel(r.shardID)).Inc()
		return
	}
	r.buf[(r.head+r.size)%bufferCap] = env
	r.size++
}

// drain flushes buffered envelopes while the bus cooperates. One
// failure stops the drain; the rest stays buffered for the next pass.
func (r *Router) drain(ctx context.Context) {
	for r.size > 0 {
		if r.breaker.Allow() != nil {
			return
		}
		env := r.buf[r.head]
		if err := r.pub.Publish(ctx, env); err != nil {
			r.breaker.RecordResult(false)
			return
		}
		r.breaker.RecordResult(true)
		r.buf[r.head] = nil
		r.head = (r.head + 1) % bufferCap
		r.size--
		r.state.RecordRoute(r.shardID)
		r.metrics.EventsRouted.WithLabelValues(shardLabel(r.shardID), env.Type.String()).Inc()
	}
}

// Buffered reports how many envelopes await a healthy bus.
func (r *Router) Buffered() int { return r.size }
