// Package gateway owns the Discord shard sessions: it connects a pool
// of shards, normalizes gateway dispatches into envelopes and routes
// them onto the event bus with tenant-keyed ordering.
package gateway

import (
	"sync"
	"time"
)

// Health is the lifecycle state of one shard session.
type Health int

const (
	HealthConnecting Health = iota
	HealthReady
	HealthResuming
	HealthDisconnected
	HealthDead
)

func (h Health) String() string {
	switch h {
	case HealthConnecting:
		return "connecting"
	case HealthReady:
		return "ready"
	case HealthResuming:
		return "resuming"
	case HealthDisconnected:
		return "disconnected"
	case HealthDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Healthy reports whether the shard is receiving events.
func (h Health) Healthy() bool { return h == HealthReady || h == HealthResuming }

type shardEntry struct {
	health         Health
	guilds         int64
	eventsReceived int64
	eventsRouted   int64
	routeFailures  int64
	eventsDropped  int64
	lastHeartbeat  time.Time
	connectedAt    time.Time
}

// State tracks health and counters for every shard in the pool. Safe
// for concurrent use; counters are approximate and feed metrics and the
// health endpoint only.
type State struct {
	mu          sync.RWMutex
	poolID      uint32
	totalShards uint32
	shards      map[uint32]*shardEntry
}

// NewState creates a tracker seeded with the pool's shard ids.
func NewState(poolID uint32, shardIDs []uint32, totalShards uint32) *State {
	s := &State{
		poolID:      poolID,
		totalShards: totalShards,
		shards:      make(map[uint32]*shardEntry, len(shardIDs)),
	}
	for _, id := range shardIDs {
		s.shards[id] = &shardEntry{health: HealthConnecting}
	}
	return s
}

// PoolID returns the pool identifier.
func (s *State) PoolID() uint32 { return s.poolID }

// TotalShards returns the cluster-wide shard count.
func (s *State) TotalShards() uint32 { return s.totalShards }

// SetHealth updates a shard's health.
func (s *State) SetHealth(shardID uint32, h Health) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.shards[shardID]
	if !ok {
		return
	}
	e.health = h
	if h == HealthReady && e.connectedAt.IsZero() {
		e.connectedAt = time.Now()
	}
}

// Health returns a shard's health.
func (s *State) Health(shardID uint32) Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.shards[shardID]; ok {
		return e.health
	}
	return HealthDead
}

// SetGuilds records the shard's guild count.
func (s *State) SetGuilds(shardID uint32, n int64) {
	s.withEntry(shardID, func(e *shardEntry) { e.guilds = n })
}

// AddGuilds adjusts the shard's guild count by delta, floored at zero.
func (s *State) AddGuilds(shardID uint32, delta int64) {
	s.withEntry(shardID, func(e *shardEntry) {
		e.guilds += delta
		if e.guilds < 0 {
			e.guilds = 0
		}
	})
}

// RecordEvent counts one received event.
func (s *State) RecordEvent(shardID uint32) {
	s.withEntry(shardID, func(e *shardEntry) { e.eventsReceived++ })
}

// RecordRoute counts one published event.
func (s *State) RecordRoute(shardID uint32) {
	s.withEntry(shardID, func(e *shardEntry) { e.eventsRouted++ })
}

// RecordRouteFailure counts one failed publish.
func (s *State) RecordRouteFailure(shardID uint32) {
	s.withEntry(shardID, func(e *shardEntry) { e.routeFailures++ })
}

// RecordDrop counts one event lost to buffer overflow.
func (s *State) RecordDrop(shardID uint32) {
	s.withEntry(shardID, func(e *shardEntry) { e.eventsDropped++ })
}

// RecordHeartbeat stamps the shard's last heartbeat ack.
func (s *State) RecordHeartbeat(shardID uint32) {
	s.withEntry(shardID, func(e *shardEntry) { e.lastHeartbeat = time.Now() })
}

func (s *State) withEntry(shardID uint32, fn func(*shardEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.shards[shardID]; ok {
		fn(e)
	}
}

// ReadyShards counts shards in the ready state.
func (s *State) ReadyShards() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.shards {
		if e.health == HealthReady {
			n++
		}
	}
	return n
}

// TotalGuilds sums guild counts across the pool.
func (s *State) TotalGuilds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.shards {
		n += e.guilds
	}
	return n
}

// EventsDropped sums buffer-overflow losses across the pool.
func (s *State) EventsDropped() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.shards {
		n += e.eventsDropped
	}
	return n
}

// Ready reports whether at least one shard is ready.
func (s *State) Ready() bool { return s.ReadyShards() > 0 }

// FullyHealthy reports whether every shard is ready or resuming.
func (s *State) FullyHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.shards {
		if !e.health.Healthy() {
			return false
		}
	}
	return true
}
