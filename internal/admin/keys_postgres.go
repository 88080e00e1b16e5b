package admin

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresKeyStore persists API keys next to the ledger tables.
type PostgresKeyStore struct {
	db *sql.DB
}

// NewPostgresKeyStore wraps the shared connection pool.
func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

func (s *PostgresKeyStore) InsertKey(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, secret_hash, active, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.TenantID, key.SecretHash, key.Active, key.CreatedAt, key.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *PostgresKeyStore) GetKey(ctx context.Context, keyID string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, secret_hash, active, created_at, expires_at
		FROM api_keys WHERE id = $1`, keyID)
	var key APIKey
	err := row.Scan(&key.ID, &key.TenantID, &key.SecretHash, &key.Active, &key.CreatedAt, &key.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

func (s *PostgresKeyStore) DeactivateKey(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET active = false WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("deactivate api key: %w", err)
	}
	return nil
}

var _ KeyStore = (*PostgresKeyStore)(nil)
