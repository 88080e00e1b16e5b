package admin

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"log"
	"time"

	"github.com/guildcore/backend/internal/events"
	"github.com/guildcore/backend/internal/faults"
	"github.com/guildcore/backend/internal/tenant"
)

// TenantStore persists community records.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*tenant.Community, error)
	PutTenant(ctx context.Context, com *tenant.Community) error
}

// Invalidator evicts a tenant from the config cache and broadcasts the
// reload; *tenant.Cache implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, communityID string) error
}

// Rotator installs a new upstream signing key; the agent gateway's
// token broker implements it.
type Rotator interface {
	Rotate(kid string, private *ecdsa.PrivateKey)
	CurrentKID() string
}

// Sweeper runs one reconciliation pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// Service carries the administrative operations.
type Service struct {
	tenants   TenantStore
	cache     Invalidator
	emitter   events.Emitter
	rotator   Rotator
	sweeper   Sweeper
	overrides *Overrides
	logger    *log.Logger
	now       func() time.Time
}

// NewService wires the admin operations. audit may be nil, keeping the
// override audit in memory only.
func NewService(tenants TenantStore, cache Invalidator, emitter events.Emitter, rotator Rotator, sweeper Sweeper, audit OverrideAuditSink) *Service {
	return &Service{
		tenants:   tenants,
		cache:     cache,
		emitter:   emitter,
		rotator:   rotator,
		sweeper:   sweeper,
		overrides: NewOverridesWithAudit(audit),
		logger:    log.New(log.Writer(), "[ADMIN] ", log.LstdFlags),
		now:       time.Now,
	}
}

// CreateTenant registers a community at the free tier. Creating an id
// that already exists is a conflict.
func (s *Service) CreateTenant(ctx context.Context, guildID string) (*tenant.Community, error) {
	existing, err := s.tenants.GetTenant(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.Deleted {
		return nil, faults.Conflict("tenant_exists", "community already registered")
	}

	com := tenant.DefaultCommunity(guildID, s.now())
	if err := s.tenants.PutTenant(ctx, com); err != nil {
		return nil, err
	}
	s.logger.Printf("✅ Tenant created: %s (tier=%s)", guildID, com.Tier)
	return com, nil
}

// UpgradeTenant moves a community to a new tier, invalidates its cached
// config and announces the change.
func (s *Service) UpgradeTenant(ctx context.Context, id string, tier tenant.Tier) (*tenant.Community, error) {
	switch tier {
	case tenant.TierFree, tenant.TierPro, tenant.TierEnterprise:
	default:
		return nil, faults.Policy("unknown_tier", "tier is not recognized")
	}

	com, err := s.tenants.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	if com == nil || com.Deleted {
		return nil, faults.NotFound("unknown_tenant", "community not found")
	}

	from := com.Tier
	com.Tier = tier
	com.UpdatedAt = s.now()
	if err := s.tenants.PutTenant(ctx, com); err != nil {
		return nil, err
	}

	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.Printf("⚠️ cache invalidate failed for %s (poll loop will catch up): %v", id, err)
	}
	s.emitter.Emit(events.TypeTenantUpgraded, "admin", id, map[string]interface{}{
		"community_id": id,
		"from_tier":    string(from),
		"to_tier":      string(tier),
	})
	s.logger.Printf("📤 Tenant %s upgraded %s → %s", id, from, tier)
	return com, nil
}

// RotateSigningKey generates a fresh ES256 key and installs it. The
// outgoing key keeps verifying through the 48h overlap.
func (s *Service) RotateSigningKey(_ context.Context) (string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate signing key: %w", err)
	}
	kid := fmt.Sprintf("key-%d", s.now().Unix())
	s.rotator.Rotate(kid, key)
	s.logger.Printf("🔑 Signing key rotated to %s", kid)
	return kid, nil
}

// TriggerReconciliation runs one sweep now.
func (s *Service) TriggerReconciliation(ctx context.Context) error {
	s.logger.Printf("🔄 Reconciliation sweep triggered")
	return s.sweeper.Sweep(ctx)
}

// Overrides exposes the four-eyes override book.
func (s *Service) Overrides() *Overrides { return s.overrides }
