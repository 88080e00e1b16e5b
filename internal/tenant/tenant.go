// Package tenant carries the per-community configuration model, the
// two-level config cache and the sliding-window rate limiter.
package tenant

import (
	"time"

	"github.com/guildcore/backend/internal/config"
)

// Tier is the subscription tier of a community.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Unlimited is the enterprise sentinel for rate limits.
const Unlimited = -1

// Window identifies a rate-limit window size.
type Window string

const (
	WindowMinute Window = "minute" // 60 s
	WindowHour   Window = "hour"   // 3600 s
	WindowDay    Window = "day"    // 86400 s
)

// Duration returns the wall-clock span of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Community is a tenant: one per Discord guild, never destroyed (logical
// deletion only).
type Community struct {
	ID        string          `json:"community_id"`
	GuildID   string          `json:"guild_id"`
	Tier      Tier            `json:"tier"`
	Features  map[string]bool `json:"features,omitempty"`
	// RateLimits overrides the tier defaults: action -> window -> limit.
	// Missing entries fall back to the tier table.
	RateLimits map[string]map[Window]int `json:"rate_limits,omitempty"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
	Deleted    bool                      `json:"deleted,omitempty"`
}

// Limit resolves the effective limit for (action, window): explicit
// override first, then the tier default table. Enterprise defaults to
// Unlimited when the table has no entry.
func (c *Community) Limit(defaults config.TierDefaults, action string, w Window) int {
	if byWindow, ok := c.RateLimits[action]; ok {
		if limit, ok := byWindow[w]; ok {
			return limit
		}
	}

	tier, ok := defaults.Tiers[string(c.Tier)]
	if !ok {
		tier = defaults.Tiers[string(TierFree)]
	}

	var table map[string]int
	switch w {
	case WindowHour:
		table = tier.PerHour
	case WindowDay:
		table = tier.PerDay
	default:
		table = tier.PerMinute
	}
	if limit, ok := table[action]; ok {
		return limit
	}
	if c.Tier == TierEnterprise {
		return Unlimited
	}
	return 0
}

// FeatureEnabled is the read-through feature-flag check.
func (c *Community) FeatureEnabled(name string) bool {
	return c.Features[name]
}

// DefaultCommunity creates the record used on first contact with a guild.
func DefaultCommunity(guildID string, now time.Time) *Community {
	return &Community{
		ID:        guildID,
		GuildID:   guildID,
		Tier:      TierFree,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
