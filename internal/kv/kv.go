// Package kv defines the minimal shared key-value interface the core needs
// from Redis, plus the go-redis v9 adapter. Packages depend on the
// interface; cmd wiring creates the concrete client and injects it.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Client is the subset of Redis commands used by the rate limiter, the
// idempotency locks, the tenant-config cache and the outcomes store.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Eval runs a Lua script atomically. The sorted-set rate-limit
	// consume and the lock release are script-only mutations.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)

	Publish(ctx context.Context, channel string, message []byte) error
	// Subscribe registers a handler for messages on a channel and returns
	// an unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)
}
