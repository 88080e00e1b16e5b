// Package admin is the operator surface: tenant lifecycle, signing-key
// rotation, reconciliation triggers and four-eyes emergency overrides.
// Callers authenticate with bcrypt-hashed API keys.
package admin

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/guildcore/backend/internal/faults"
)

// API keys have the format gc_<key_id>.<secret>. Only the bcrypt hash
// of the secret is stored.
const keyPrefix = "gc_"

// APIKey is the stored key record; the secret itself never persists.
type APIKey struct {
	ID         string
	TenantID   string
	SecretHash []byte
	Active     bool
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// KeyStore persists API key records.
type KeyStore interface {
	InsertKey(ctx context.Context, key *APIKey) error
	GetKey(ctx context.Context, keyID string) (*APIKey, error)
	DeactivateKey(ctx context.Context, keyID string) error
}

// Keys issues and verifies API keys.
type Keys struct {
	store KeyStore
}

// NewKeys creates the key service.
func NewKeys(store KeyStore) *Keys {
	return &Keys{store: store}
}

// Issue mints a key for a tenant and returns the full key exactly once.
func (k *Keys) Issue(ctx context.Context, tenantID string, ttl time.Duration) (*APIKey, string, error) {
	keyID, err := randomHex(8)
	if err != nil {
		return nil, "", err
	}
	secret, err := randomHex(24)
	if err != nil {
		return nil, "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash api key: %w", err)
	}

	key := &APIKey{
		ID:         keyID,
		TenantID:   tenantID,
		SecretHash: hash,
		Active:     true,
		CreatedAt:  time.Now(),
	}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		key.ExpiresAt = &exp
	}
	if err := k.store.InsertKey(ctx, key); err != nil {
		return nil, "", err
	}
	return key, fmt.Sprintf("%s%s.%s", keyPrefix, keyID, secret), nil
}

// Verify checks a full key and returns the owning tenant id.
func (k *Keys) Verify(ctx context.Context, fullKey string) (string, error) {
	if !strings.HasPrefix(fullKey, keyPrefix) {
		return "", faults.Policy("invalid_api_key", "malformed api key")
	}
	parts := strings.SplitN(strings.TrimPrefix(fullKey, keyPrefix), ".", 2)
	if len(parts) != 2 {
		return "", faults.Policy("invalid_api_key", "malformed api key")
	}
	keyID, secret := parts[0], parts[1]

	key, err := k.store.GetKey(ctx, keyID)
	if err != nil {
		return "", err
	}
	if key == nil || !key.Active {
		return "", faults.Policy("invalid_api_key", "unknown or inactive api key")
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return "", faults.Policy("invalid_api_key", "expired api key")
	}
	if err := bcrypt.CompareHashAndPassword(key.SecretHash, []byte(secret)); err != nil {
		return "", faults.Policy("invalid_api_key", "api key verification failed")
	}
	return key.TenantID, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key material: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// MemoryKeyStore backs tests and local runs.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string]*APIKey
}

// NewMemoryKeyStore creates an empty store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryKeyStore) InsertKey(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryKeyStore) GetKey(_ context.Context, keyID string) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[keyID]; ok {
		cp := *key
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryKeyStore) DeactivateKey(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[keyID]; ok {
		key.Active = false
	}
	return nil
}

var _ KeyStore = (*MemoryKeyStore)(nil)
