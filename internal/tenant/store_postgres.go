package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists community records. Satisfies the TenantStore
// interfaces of the admin surface and the guild lifecycle handler, and
// backs the cache loader.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool; the ledger owns the
// pool lifecycle, both stores share it.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetTenant returns the community record, or nil when absent.
func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*Community, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, guild_id, tier, features, rate_limits, created_at, updated_at, deleted
		FROM communities WHERE id = $1`, id)

	var com Community
	var features, rateLimits []byte
	err := row.Scan(&com.ID, &com.GuildID, &com.Tier, &features, &rateLimits,
		&com.CreatedAt, &com.UpdatedAt, &com.Deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", id, err)
	}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &com.Features); err != nil {
			return nil, fmt.Errorf("tenant %s features: %w", id, err)
		}
	}
	if len(rateLimits) > 0 {
		if err := json.Unmarshal(rateLimits, &com.RateLimits); err != nil {
			return nil, fmt.Errorf("tenant %s rate limits: %w", id, err)
		}
	}
	return &com, nil
}

// PutTenant upserts the record.
func (s *PostgresStore) PutTenant(ctx context.Context, com *Community) error {
	features, err := json.Marshal(com.Features)
	if err != nil {
		return err
	}
	rateLimits, err := json.Marshal(com.RateLimits)
	if err != nil {
		return err
	}
	if com.UpdatedAt.IsZero() {
		com.UpdatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO communities (id, guild_id, tier, features, rate_limits, created_at, updated_at, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			tier = EXCLUDED.tier,
			features = EXCLUDED.features,
			rate_limits = EXCLUDED.rate_limits,
			updated_at = EXCLUDED.updated_at,
			deleted = EXCLUDED.deleted`,
		com.ID, com.GuildID, com.Tier, features, rateLimits,
		com.CreatedAt, com.UpdatedAt, com.Deleted)
	if err != nil {
		return fmt.Errorf("put tenant %s: %w", com.ID, err)
	}
	return nil
}

// Loader adapts the store to the cache's loader signature.
func (s *PostgresStore) Loader() Loader {
	return func(ctx context.Context, communityID string) (*Community, error) {
		return s.GetTenant(ctx, communityID)
	}
}
