package tenant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildcore/backend/internal/faults"
)

func TestLimiterNeverExceedsLimit(t *testing.T) {
	l := NewLimiter(NewMemoryWindowStore())
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 25; i++ {
		d, err := l.Allow(ctx, "guild-1", "commands", WindowMinute, 10)
		require.NoError(t, err)
		if d.Allowed {
			allowed++
		} else {
			assert.Equal(t, 0, d.Remaining)
			assert.True(t, d.ResetAt.After(time.Now().Add(-time.Second)))
		}
	}
	assert.Equal(t, 10, allowed)
}

func TestLimiterRemainingCountsDown(t *testing.T) {
	l := NewLimiter(NewMemoryWindowStore())
	ctx := context.Background()

	for want := 2; want >= 0; want-- {
		d, err := l.Allow(ctx, "guild-2", "commands", WindowMinute, 3)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, want, d.Remaining)
	}
}

func TestLimiterIsolatesTenantAndAction(t *testing.T) {
	l := NewLimiter(NewMemoryWindowStore())
	ctx := context.Background()

	d, err := l.Allow(ctx, "guild-a", "commands", WindowMinute, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// other tenant and other action are unaffected
	d, err = l.Allow(ctx, "guild-b", "commands", WindowMinute, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "guild-a", "agent_invoke", WindowMinute, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "guild-a", "commands", WindowMinute, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestEnterpriseUnlimitedSkipsStore(t *testing.T) {
	store := NewMemoryWindowStore()
	store.FailNext = errors.New("store must not be touched")
	l := NewLimiter(store)
	ctx := context.Background()

	for i := 0; i < 10000; i++ {
		d, err := l.Allow(ctx, "guild-ent", "commands", WindowMinute, Unlimited)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.Equal(t, Unlimited, d.Remaining)
	}
}

func TestLimiterFailsClosedOnStoreOutage(t *testing.T) {
	store := NewMemoryWindowStore()
	l := NewLimiter(store)
	ctx := context.Background()

	store.FailNext = errors.New("connection reset")
	_, err := l.Allow(ctx, "guild-3", "commands", WindowMinute, 10)
	require.Error(t, err)
	assert.Equal(t, faults.KindTransient, faults.KindOf(err))
}

func TestRetryAfter(t *testing.T) {
	now := time.Now()
	d := Decision{Allowed: false, ResetAt: now.Add(42 * time.Second)}
	assert.InDelta(t, 42, d.RetryAfter(now).Seconds(), 1)

	d = Decision{Allowed: true, ResetAt: now}
	assert.Zero(t, d.RetryAfter(now))
}

func TestCommunityLimitResolution(t *testing.T) {
	defaults := builtinDefaultsForTest()

	free := DefaultCommunity("g1", time.Now())
	assert.Equal(t, 10, free.Limit(defaults, "commands", WindowMinute))

	ent := DefaultCommunity("g2", time.Now())
	ent.Tier = TierEnterprise
	assert.Equal(t, Unlimited, ent.Limit(defaults, "commands", WindowMinute))
	// unknown action on enterprise still resolves to unlimited
	assert.Equal(t, Unlimited, ent.Limit(defaults, "unheard_of", WindowDay))

	// explicit override beats the tier table
	free.RateLimits = map[string]map[Window]int{
		"commands": {WindowMinute: 99},
	}
	assert.Equal(t, 99, free.Limit(defaults, "commands", WindowMinute))
	assert.Equal(t, 200, free.Limit(defaults, "commands", WindowHour))
}
