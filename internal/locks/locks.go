// Package locks provides the distributed idempotency locks and fence
// tokens backing the dispatch pipeline.
//
// Locks are TTL-bound SET NX keys; release is a compare-and-delete so a
// worker can never free a lock a slower peer re-acquired after expiry.
// Fences are strictly monotonic per-resource counters used to reject
// stale writes.
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/guildcore/backend/internal/faults"
	"github.com/guildcore/backend/internal/kv"
)

var (
	// ErrAlreadyHeld means another holder owns the lock: the caller is a
	// duplicate and must not execute.
	ErrAlreadyHeld = errors.New("locks: already held")
	// ErrNotHolder means the release token did not match; the lock
	// expired and was taken by someone else.
	ErrNotHolder = errors.New("locks: not the holder")
)

// Manager acquires idempotency locks and issues fence tokens.
type Manager struct {
	store  Store
	prefix string
}

// Store is the backing atomic-operation surface. RedisStore is the
// production implementation; MemoryStore backs tests.
type Store interface {
	// Acquire takes key with token if free, returning false if held.
	Acquire(ctx context.Context, key string, token []byte, ttl time.Duration) (bool, error)
	// Release deletes key only if it still holds token.
	Release(ctx context.Context, key string, token []byte) (bool, error)
	// NextFence atomically increments and returns the fence for a resource.
	NextFence(ctx context.Context, key string) (uint64, error)
}

// New creates a lock manager with the given key prefix (e.g. "core").
func New(store Store, prefix string) *Manager {
	if prefix == "" {
		prefix = "core"
	}
	return &Manager{store: store, prefix: prefix}
}

// Lock is a held idempotency lock.
type Lock struct {
	key   string
	token []byte
	store Store
}

// AcquireEvent takes the idempotency lock for an event id. ErrAlreadyHeld
// signals a duplicate delivery. Store outages surface as transient
// faults: the dispatcher fails closed rather than running unlocked.
func (m *Manager) AcquireEvent(ctx context.Context, eventID string, ttl time.Duration) (*Lock, error) {
	key := fmt.Sprintf("%s:lock:event:%s", m.prefix, eventID)
	token := []byte(uuid.NewString())

	ok, err := m.store.Acquire(ctx, key, token, ttl)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, "lock_service_unavailable",
			"lock service unavailable", err)
	}
	if !ok {
		return nil, ErrAlreadyHeld
	}
	return &Lock{key: key, token: token, store: m.store}, nil
}

// AcquireResource takes a (tenant, resource) coordination lock for
// cross-event critical sections inside handlers.
func (m *Manager) AcquireResource(ctx context.Context, tenantID, resource string, ttl time.Duration) (*Lock, error) {
	key := fmt.Sprintf("%s:lock:res:%s:%s", m.prefix, tenantID, resource)
	token := []byte(uuid.NewString())

	ok, err := m.store.Acquire(ctx, key, token, ttl)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, "lock_service_unavailable",
			"lock service unavailable", err)
	}
	if !ok {
		return nil, ErrAlreadyHeld
	}
	return &Lock{key: key, token: token, store: m.store}, nil
}

// Release frees the lock if we still hold it. Safe to call from a defer;
// an expired-and-stolen lock returns ErrNotHolder and releases nothing.
func (l *Lock) Release(ctx context.Context) error {
	ok, err := l.store.Release(ctx, l.key, l.token)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotHolder
	}
	return nil
}

// NextFence returns the next fence token for a resource. Successful
// mutations must persist the fence and reject any write carrying a lower
// one.
func (m *Manager) NextFence(ctx context.Context, resource string) (uint64, error) {
	key := fmt.Sprintf("%s:fence:%s", m.prefix, resource)
	n, err := m.store.NextFence(ctx, key)
	if err != nil {
		return 0, faults.Wrap(faults.KindTransient, "fence_service_unavailable",
			"fence service unavailable", err)
	}
	return n, nil
}

// ============================================================================
// REDIS STORE
// ============================================================================

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisStore implements Store on the shared kv client.
type RedisStore struct {
	client kv.Client
}

// NewRedisStore wraps a kv client.
func NewRedisStore(client kv.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Acquire(ctx context.Context, key string, token []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, token, ttl)
}

func (s *RedisStore) Release(ctx context.Context, key string, token []byte) (bool, error) {
	res, err := s.client.Eval(ctx, releaseScript, []string{key}, string(token))
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	return ok && n == 1, nil
}

func (s *RedisStore) NextFence(ctx context.Context, key string) (uint64, error) {
	n, err := s.client.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

var _ Store = (*RedisStore)(nil)
