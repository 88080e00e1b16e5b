package gateway

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/guildcore/backend/internal/bus"
)

// ShardsPerPool is how many shard sessions one gateway process owns.
const ShardsPerPool = 25

// ShardRange computes the half-open shard interval [start, end) for a
// pool id, clamped to the cluster total.
func ShardRange(poolID, totalShards uint32) (start, end uint32) {
	start = poolID * ShardsPerPool
	end = start + ShardsPerPool
	if end > totalShards {
		end = totalShards
	}
	if start > end {
		start = end
	}
	return start, end
}

// Pool runs the shard sessions of one gateway process.
type Pool struct {
	poolID      uint32
	totalShards uint32
	token       string
	intents     int

	pub      bus.Publisher
	state    *State
	metrics  *Metrics
	sessions []*Session
	logger   *log.Logger
}

// NewPool builds the sessions for the pool's shard range.
func NewPool(poolID, totalShards uint32, token string, intents int, pub bus.Publisher) *Pool {
	start, end := ShardRange(poolID, totalShards)
	ids := make([]uint32, 0, end-start)
	for id := start; id < end; id++ {
		ids = append(ids, id)
	}

	state := NewState(poolID, ids, totalShards)
	metrics := NewMetrics()

	p := &Pool{
		poolID:      poolID,
		totalShards: totalShards,
		token:       token,
		intents:     intents,
		pub:         pub,
		state:       state,
		metrics:     metrics,
		logger:      log.New(log.Writer(), "[POOL] ", log.LstdFlags),
	}
	for _, id := range ids {
		router := NewRouter(id, pub, state, metrics)
		p.sessions = append(p.sessions, NewSession(id, totalShards, token, intents, router, state))
	}
	p.logger.Printf("🚀 Pool %d owns shards [%d, %d) of %d", poolID, start, end, totalShards)
	return p
}

// State exposes the pool's shard state for health endpoints.
func (p *Pool) State() *State { return p.state }

// Run starts every session and blocks until ctx is cancelled. One
// session failing does not stop its siblings; sessions reconnect
// internally and only return on cancellation.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sess := range p.sessions {
		sess := sess
		g.Go(func() error { return sess.Run(ctx) })
	}

	// keep the ready-shards gauge current while the pool runs
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				p.metrics.ShardsReady.Set(float64(p.state.ReadyShards()))
			}
		}
	})

	err := g.Wait()
	p.logger.Printf("🔌 Pool %d shut down", p.poolID)
	return err
}
