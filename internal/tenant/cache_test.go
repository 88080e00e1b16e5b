package tenant

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildcore/backend/internal/config"
	"github.com/guildcore/backend/internal/kv"
)

func builtinDefaultsForTest() config.TierDefaults {
	return config.TierDefaults{Tiers: map[string]config.TierLimits{
		"free": {
			PerMinute: map[string]int{"commands": 10, "agent_invoke": 2},
			PerHour:   map[string]int{"commands": 200},
			PerDay:    map[string]int{"commands": 1000},
		},
		"pro": {
			PerMinute: map[string]int{"commands": 60},
		},
		"enterprise": {
			PerMinute: map[string]int{"commands": -1},
		},
	}}
}

func TestCacheLoadsAndCachesLocally(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()

	loads := 0
	loader := func(ctx context.Context, id string) (*Community, error) {
		loads++
		return &Community{ID: id, GuildID: id, Tier: TierPro}, nil
	}

	c := NewCache(mem, loader, builtinDefaultsForTest())

	com, err := c.Get(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, TierPro, com.Tier)
	assert.Equal(t, 1, loads)

	// second read is served from the local level
	_, err = c.Get(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, 1, loads)

	// and the shared level was warmed for peers
	data, err := mem.Get(ctx, "tenantcfg:guild-1")
	require.NoError(t, err)
	var shared Community
	require.NoError(t, json.Unmarshal(data, &shared))
	assert.Equal(t, TierPro, shared.Tier)
}

func TestCacheFirstContactCreatesDefault(t *testing.T) {
	ctx := context.Background()
	loader := func(ctx context.Context, id string) (*Community, error) {
		return nil, nil // unknown tenant
	}
	c := NewCache(kv.NewMemory(), loader, builtinDefaultsForTest())

	com, err := c.Get(ctx, "new-guild")
	require.NoError(t, err)
	assert.Equal(t, TierFree, com.Tier)
	assert.Equal(t, "new-guild", com.GuildID)
}

func TestCacheInvalidateEvictsAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()

	tier := TierFree
	loader := func(ctx context.Context, id string) (*Community, error) {
		return &Community{ID: id, Tier: tier, UpdatedAt: time.Now()}, nil
	}

	c := NewCache(mem, loader, builtinDefaultsForTest())
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	com, err := c.Get(ctx, "guild-2")
	require.NoError(t, err)
	assert.Equal(t, TierFree, com.Tier)

	// upgrade happens out of band, then invalidation is broadcast
	tier = TierEnterprise
	require.NoError(t, c.Invalidate(ctx, "guild-2"))

	com, err = c.Get(ctx, "guild-2")
	require.NoError(t, err)
	assert.Equal(t, TierEnterprise, com.Tier)
}

func TestCacheReloadEventEvictsPeerEntries(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()

	loads := 0
	loader := func(ctx context.Context, id string) (*Community, error) {
		loads++
		return &Community{ID: id, Tier: TierFree}, nil
	}

	c := NewCache(mem, loader, builtinDefaultsForTest())
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	_, err := c.Get(ctx, "guild-3")
	require.NoError(t, err)
	require.Equal(t, 1, loads)

	// a peer publishes an invalidation for this tenant; shared level is
	// already gone on the peer's side, so drop ours too
	require.NoError(t, mem.Del(ctx, "tenantcfg:guild-3"))
	payload, _ := json.Marshal(ReloadEvent{Kind: "tenant_config", TenantID: "guild-3"})
	require.NoError(t, mem.Publish(ctx, ReloadChannel, payload))

	_, err = c.Get(ctx, "guild-3")
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}
