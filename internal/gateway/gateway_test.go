package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildcore/backend/internal/bus"
	"github.com/guildcore/backend/internal/envelope"
)

func TestNormalizeGuildEventUsesGuildID(t *testing.T) {
	data := json.RawMessage(`{"id":"1234","name":"test guild"}`)
	env := Normalize("GUILD_CREATE", 3, data)
	require.NotNil(t, env)
	assert.Equal(t, envelope.TypeGuildCreate, env.Type)
	assert.Equal(t, uint32(3), env.ShardID)
	assert.Equal(t, "1234", env.SubjectKey)
	assert.Equal(t, []byte(data), env.Payload)
}

func TestNormalizeMemberEventUsesGuildIDField(t *testing.T) {
	env := Normalize("GUILD_MEMBER_ADD", 0, json.RawMessage(`{"guild_id":"42","user":{"id":"7"}}`))
	require.NotNil(t, env)
	assert.Equal(t, envelope.TypeMemberAdd, env.Type)
	assert.Equal(t, "42", env.SubjectKey)
}

func TestNormalizeInteractionWithoutGuildIsGlobal(t *testing.T) {
	env := Normalize("INTERACTION_CREATE", 0, json.RawMessage(`{"token":"abc"}`))
	require.NotNil(t, env)
	assert.Equal(t, envelope.SubjectGlobal, env.SubjectKey)
}

func TestNormalizeUnknownDispatchIsOther(t *testing.T) {
	env := Normalize("STAGE_INSTANCE_CREATE", 1, json.RawMessage(`{"guild_id":"9"}`))
	require.NotNil(t, env)
	assert.Equal(t, envelope.TypeOther, env.Type)
	assert.Equal(t, "9", env.SubjectKey)
}

func TestNormalizeSkipsHighVolumeDispatches(t *testing.T) {
	assert.Nil(t, Normalize("PRESENCE_UPDATE", 0, json.RawMessage(`{}`)))
	assert.Nil(t, Normalize("TYPING_START", 0, json.RawMessage(`{}`)))
}

func TestShardRange(t *testing.T) {
	start, end := ShardRange(0, 100)
	assert.Equal(t, uint32(0), start)
	assert.Equal(t, uint32(25), end)

	start, end = ShardRange(3, 100)
	assert.Equal(t, uint32(75), start)
	assert.Equal(t, uint32(100), end)

	// last pool clamped to the cluster total
	start, end = ShardRange(1, 30)
	assert.Equal(t, uint32(25), start)
	assert.Equal(t, uint32(30), end)

	// pool past the end owns nothing
	start, end = ShardRange(5, 30)
	assert.Equal(t, start, end)
}

func TestBackoffDelayBoundsAndJitter(t *testing.T) {
	for attempt := 0; attempt < 12; attempt++ {
		for i := 0; i < 50; i++ {
			d := backoffDelay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0.8*float64(backoffBase)))
			assert.LessOrEqual(t, d, time.Duration(1.2*float64(backoffCap)))
		}
	}
	// cap applies from attempt 6 (64s > 60s)
	d := backoffDelay(10)
	assert.LessOrEqual(t, d, time.Duration(1.2*float64(backoffCap)))
}

func newTestRouter(pub bus.Publisher) (*Router, *State) {
	state := NewState(0, []uint32{0}, 1)
	r := NewRouter(0, pub, state, NewMetrics())
	r.retryBase = time.Millisecond
	return r, state
}

func TestRouterPublishesAndCounts(t *testing.T) {
	mem := bus.NewMemory()
	r, _ := newTestRouter(mem)

	r.Route(context.Background(), envelope.New(envelope.TypeGuildCreate, 0, "g1", nil))
	assert.Equal(t, 1, mem.Pending())
	assert.Zero(t, r.Buffered())
}

func TestRouterBuffersOnPersistentFailure(t *testing.T) {
	mem := bus.NewMemory()
	mem.PublishErr = errors.New("bus down")
	r, _ := newTestRouter(mem)

	r.Route(context.Background(), envelope.New(envelope.TypeGuildCreate, 0, "g1", nil))
	assert.Equal(t, 1, r.Buffered())
	assert.Zero(t, mem.Pending())
}

func TestRouterDrainsBufferOnceBusRecovers(t *testing.T) {
	mem := bus.NewMemory()
	mem.PublishErr = errors.New("bus down")
	r, _ := newTestRouter(mem)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r.Route(ctx, envelope.New(envelope.TypeGuildCreate, 0, "g1", nil))
	}
	require.Equal(t, 3, r.Buffered())

	mem.PublishErr = nil
	r.Route(ctx, envelope.New(envelope.TypeGuildCreate, 0, "g1", nil))
	assert.Zero(t, r.Buffered())
	assert.Equal(t, 4, mem.Pending())
}

func TestRouterDropsOldestBeyondCapacity(t *testing.T) {
	mem := bus.NewMemory()
	r, state := newTestRouter(mem)
	ctx := context.Background()

	dropped := make([]*envelope.Envelope, 0, 10)
	for i := 0; i < bufferCap+10; i++ {
		env := envelope.New(envelope.TypeGuildCreate, 0, "g1", nil)
		if i < 10 {
			dropped = append(dropped, env)
		}
		r.buffer(env)
	}
	assert.Equal(t, bufferCap, r.Buffered())
	assert.Equal(t, int64(10), state.EventsDropped())

	// drain flushes the survivors; the evicted ones are the oldest
	r.drain(ctx)
	require.Zero(t, r.Buffered())
	require.Equal(t, bufferCap, mem.Pending())

	var mu sync.Mutex
	seen := map[string]bool{}
	ctxRecv, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	go mem.Receive(ctxRecv, func(_ context.Context, msg *bus.Message) {
		mu.Lock()
		seen[msg.Env.ID.String()] = true
		mu.Unlock()
		msg.Ack()
	})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == bufferCap
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for _, env := range dropped {
		assert.False(t, seen[env.ID.String()])
	}
}

// orderedPub records the subject key of every accepted publish.
// remaining bounds the publishes before the next failure; negative
// means unlimited.
type orderedPub struct {
	published []string
	remaining int
}

func (p *orderedPub) Publish(_ context.Context, env *envelope.Envelope) error {
	if p.remaining == 0 {
		return errors.New("bus down")
	}
	if p.remaining > 0 {
		p.remaining--
	}
	p.published = append(p.published, env.SubjectKey)
	return nil
}

func (p *orderedPub) Close() error { return nil }

func TestRouterBufferKeepsOrderAcrossWrap(t *testing.T) {
	pub := &orderedPub{remaining: 0}
	r, _ := newTestRouter(pub)
	ctx := context.Background()

	key := func(i int) string { return fmt.Sprintf("e%04d", i) }

	// overflow the buffer so the ring wraps past its start
	total := bufferCap + 3
	for i := 0; i < total; i++ {
		r.buffer(envelope.New(envelope.TypeGuildCreate, 0, key(i), nil))
	}
	require.Equal(t, bufferCap, r.Buffered())

	// drain part of the wrapped ring, then accept one more arrival
	pub.remaining = 10
	r.drain(ctx)
	require.Equal(t, bufferCap-10, r.Buffered())
	r.buffer(envelope.New(envelope.TypeGuildCreate, 0, key(total), nil))

	pub.remaining = -1
	r.drain(ctx)
	require.Zero(t, r.Buffered())

	// the three oldest were evicted; every survivor flushed in arrival order
	want := make([]string, 0, total-2)
	for i := 3; i <= total; i++ {
		want = append(want, key(i))
	}
	assert.Equal(t, want, pub.published)
}

func TestRouterBreakerSkipsPublishWhileOpen(t *testing.T) {
	mem := bus.NewMemory()
	mem.PublishErr = errors.New("bus down")
	r, _ := newTestRouter(mem)
	ctx := context.Background()

	// five route failures trip the per-shard breaker
	for i := 0; i < 5; i++ {
		r.Route(ctx, envelope.New(envelope.TypeGuildCreate, 0, "g1", nil))
	}

	// with the breaker open the router goes buffer-only: recovery of the
	// bus is not observed until the cooldown elapses
	mem.PublishErr = nil
	r.Route(ctx, envelope.New(envelope.TypeGuildCreate, 0, "g1", nil))
	assert.Equal(t, 6, r.Buffered())
	assert.Zero(t, mem.Pending())
}

func TestStateHealthAndCounters(t *testing.T) {
	s := NewState(1, []uint32{25, 26}, 50)
	assert.Equal(t, uint32(1), s.PoolID())
	assert.False(t, s.Ready())

	s.SetHealth(25, HealthReady)
	assert.True(t, s.Ready())
	assert.Equal(t, 1, s.ReadyShards())
	assert.False(t, s.FullyHealthy())

	s.SetHealth(26, HealthResuming)
	assert.True(t, s.FullyHealthy())

	s.SetGuilds(25, 100)
	s.AddGuilds(25, 1)
	s.AddGuilds(26, -5) // floors at zero
	assert.Equal(t, int64(101), s.TotalGuilds())

	// unknown shard ids are ignored
	s.SetHealth(99, HealthReady)
	assert.Equal(t, HealthDead, s.Health(99))
}
