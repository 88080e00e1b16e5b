package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guildcore/backend/internal/config"
	"github.com/guildcore/backend/internal/kv"
)

// ReloadChannel is the pub/sub channel carrying config invalidations.
const ReloadChannel = "config:reload"

// localTTL bounds staleness of the in-process level; combined with the
// poll loop, hot-reload propagates within 30 s worst case.
const localTTL = 30 * time.Second

// ReloadEvent is published when a tenant config, the global config or a
// feature flag changes.
type ReloadEvent struct {
	Kind     string `json:"kind"` // "tenant_config" | "global_config" | "feature_flag"
	TenantID string `json:"tenant_id,omitempty"`
}

// Loader fetches the authoritative community record when both cache
// levels miss. The worker wires this to the Postgres tenant table.
type Loader func(ctx context.Context, communityID string) (*Community, error)

// Cache is the two-level tenant-config cache: an in-process TTL map over
// the shared key-value store. Readers never block writers; entries are
// replaced wholesale on reload.
type Cache struct {
	mu     sync.RWMutex
	local  map[string]cacheEntry
	client kv.Client
	loader Loader
	tiers  config.TierDefaults
	logger *slog.Logger

	unsubscribe func()
	stopPoll    chan struct{}
}

type cacheEntry struct {
	community *Community
	expiresAt time.Time
}

// NewCache creates the cache. Call Start to attach the invalidation
// subscription and poll loop, and Stop on shutdown.
func NewCache(client kv.Client, loader Loader, tiers config.TierDefaults) *Cache {
	return &Cache{
		local:  make(map[string]cacheEntry),
		client: client,
		loader: loader,
		tiers:  tiers,
		logger: slog.With("component", "tenant-cache"),
	}
}

// Start subscribes to the reload channel and begins the 30 s poll loop
// that covers missed invalidation messages.
func (c *Cache) Start(ctx context.Context) error {
	unsub, err := c.client.Subscribe(ctx, ReloadChannel, c.onReload)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ReloadChannel, err)
	}
	c.unsubscribe = unsub

	c.stopPoll = make(chan struct{})
	go c.pollLoop()
	return nil
}

// Stop detaches the subscription and poll loop.
func (c *Cache) Stop() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if c.stopPoll != nil {
		close(c.stopPoll)
	}
}

// Get resolves the community config: local level, then shared store,
// then the loader. A missing tenant is created with tier defaults and
// cached (first-contact semantics).
func (c *Cache) Get(ctx context.Context, communityID string) (*Community, error) {
	now := time.Now()

	c.mu.RLock()
	if e, ok := c.local[communityID]; ok && now.Before(e.expiresAt) {
		c.mu.RUnlock()
		return e.community, nil
	}
	c.mu.RUnlock()

	// Shared level
	if data, err := c.client.Get(ctx, sharedKey(communityID)); err == nil {
		var com Community
		if err := json.Unmarshal(data, &com); err == nil {
			c.put(communityID, &com, now)
			return &com, nil
		}
	}

	// Authoritative load
	com, err := c.loader(ctx, communityID)
	if err != nil {
		return nil, err
	}
	if com == nil {
		com = DefaultCommunity(communityID, now)
	}

	if data, err := json.Marshal(com); err == nil {
		// shared entry outlives the local one so peers can warm from it
		if err := c.client.Set(ctx, sharedKey(communityID), data, 5*time.Minute); err != nil {
			c.logger.Warn("shared cache write failed", "community_id", communityID, "error", err)
		}
	}
	c.put(communityID, com, now)
	return com, nil
}

// Invalidate evicts a tenant from both levels and broadcasts the reload
// event to peers. Used by the admin API after mutations.
func (c *Cache) Invalidate(ctx context.Context, communityID string) error {
	c.evict(communityID)
	if err := c.client.Del(ctx, sharedKey(communityID)); err != nil {
		return err
	}
	payload, _ := json.Marshal(ReloadEvent{Kind: "tenant_config", TenantID: communityID})
	return c.client.Publish(ctx, ReloadChannel, payload)
}

// TierDefaults exposes the tier table for limit resolution.
func (c *Cache) TierDefaults() config.TierDefaults {
	return c.tiers
}

func (c *Cache) onReload(payload []byte) {
	var ev ReloadEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.logger.Warn("malformed reload event", "error", err)
		return
	}
	switch ev.Kind {
	case "tenant_config", "feature_flag":
		if ev.TenantID != "" {
			c.evict(ev.TenantID)
			return
		}
		fallthrough
	case "global_config":
		c.mu.Lock()
		c.local = make(map[string]cacheEntry)
		c.mu.Unlock()
	}
}

// pollLoop silently drops the local level every 30 s so that a missed
// pub/sub message can delay a reload by at most one interval.
func (c *Cache) pollLoop() {
	ticker := time.NewTicker(localTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.local = make(map[string]cacheEntry)
			c.mu.Unlock()
		case <-c.stopPoll:
			return
		}
	}
}

func (c *Cache) put(id string, com *Community, now time.Time) {
	c.mu.Lock()
	c.local[id] = cacheEntry{community: com, expiresAt: now.Add(localTTL)}
	c.mu.Unlock()
}

func (c *Cache) evict(id string) {
	c.mu.Lock()
	delete(c.local, id)
	c.mu.Unlock()
}

func sharedKey(communityID string) string {
	return "tenantcfg:" + communityID
}
