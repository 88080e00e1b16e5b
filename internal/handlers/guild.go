package handlers

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/guildcore/backend/internal/envelope"
	"github.com/guildcore/backend/internal/tenant"
)

// TenantStore persists community records; shared with the admin
// surface.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*tenant.Community, error)
	PutTenant(ctx context.Context, com *tenant.Community) error
}

// Invalidator evicts a community from the config cache after a write.
type Invalidator interface {
	Invalidate(ctx context.Context, communityID string) error
}

// Guilds handles guild lifecycle dispatches: first contact registers a
// free-tier community, deletion is logical only.
type Guilds struct {
	tenants TenantStore
	cache   Invalidator
	logger  *log.Logger
	now     func() time.Time
}

// NewGuilds wires the guild lifecycle handler.
func NewGuilds(tenants TenantStore, cache Invalidator) *Guilds {
	return &Guilds{
		tenants: tenants,
		cache:   cache,
		logger:  log.New(log.Writer(), "[GUILDS] ", log.LstdFlags),
		now:     time.Now,
	}
}

// HandleCreate registers the community on first contact. An existing
// record is reactivated if it was logically deleted; the event is
// otherwise a no-op (Discord replays GUILD_CREATE on every reconnect).
func (h *Guilds) HandleCreate(ctx context.Context, env *envelope.Envelope, _ *tenant.Community) error {
	id := env.SubjectKey
	existing, err := h.tenants.GetTenant(ctx, id)
	if err != nil {
		return err
	}
	if existing != nil {
		if !existing.Deleted {
			return nil
		}
		existing.Deleted = false
		existing.UpdatedAt = h.now()
		if err := h.tenants.PutTenant(ctx, existing); err != nil {
			return err
		}
		h.logger.Printf("🔄 Community reactivated: %s", id)
		return h.invalidate(ctx, id)
	}

	com := tenant.DefaultCommunity(id, h.now())
	if err := h.tenants.PutTenant(ctx, com); err != nil {
		return err
	}
	h.logger.Printf("✅ Community registered: %s (tier=%s)", id, com.Tier)
	return nil
}

// HandleDelete marks the community deleted. Credits and history stay;
// the record revives on the next GUILD_CREATE.
func (h *Guilds) HandleDelete(ctx context.Context, env *envelope.Envelope, com *tenant.Community) error {
	id := env.SubjectKey
	existing, err := h.tenants.GetTenant(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil || existing.Deleted {
		return nil
	}
	existing.Deleted = true
	existing.UpdatedAt = h.now()
	if err := h.tenants.PutTenant(ctx, existing); err != nil {
		return err
	}
	h.logger.Printf("☠️ Community deleted (logical): %s", id)
	return h.invalidate(ctx, id)
}

func (h *Guilds) invalidate(ctx context.Context, id string) error {
	if err := h.cache.Invalidate(ctx, id); err != nil {
		// The cache poll loop converges on its own; the write stands.
		h.logger.Printf("⚠️ cache invalidate failed for %s: %v", id, err)
	}
	return nil
}

// MemoryScoreStore backs tests and local runs.
type MemoryScoreStore struct {
	mu     sync.Mutex
	scores map[string]int64
}

// NewMemoryScoreStore creates an empty store.
func NewMemoryScoreStore() *MemoryScoreStore {
	return &MemoryScoreStore{scores: make(map[string]int64)}
}

func (s *MemoryScoreStore) GetScore(_ context.Context, communityID, profileID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[communityID+"/"+profileID], nil
}

func (s *MemoryScoreStore) PutScore(_ context.Context, communityID, profileID string, score int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[communityID+"/"+profileID] = score
	return nil
}

var _ ScoreStore = (*MemoryScoreStore)(nil)

// MemoryTenantStore backs tests and local runs.
type MemoryTenantStore struct {
	mu      sync.Mutex
	tenants map[string]*tenant.Community
}

// NewMemoryTenantStore creates an empty store.
func NewMemoryTenantStore() *MemoryTenantStore {
	return &MemoryTenantStore{tenants: make(map[string]*tenant.Community)}
}

func (s *MemoryTenantStore) GetTenant(_ context.Context, id string) (*tenant.Community, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if com, ok := s.tenants[id]; ok {
		cp := *com
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryTenantStore) PutTenant(_ context.Context, com *tenant.Community) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *com
	s.tenants[com.ID] = &cp
	return nil
}

var _ TenantStore = (*MemoryTenantStore)(nil)
