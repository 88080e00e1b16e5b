package tenant

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/guildcore/backend/internal/faults"
	"github.com/guildcore/backend/internal/kv"
)

// Decision is the typed rate-limit outcome. Callers branch on Allowed
// explicitly; there is no exception path.
type Decision struct {
	Allowed   bool
	Remaining int // Unlimited for enterprise
	ResetAt   time.Time
}

// RetryAfter is what the platform surface returns to end users.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed {
		return 0
	}
	ra := d.ResetAt.Sub(now)
	if ra < 0 {
		return 0
	}
	return ra
}

// Limiter is the sliding-window counter per (community, action).
type Limiter struct {
	store WindowStore
}

// WindowStore is the atomic consume surface. The production store runs a
// Lua script over a sorted set; MemoryWindowStore backs tests.
type WindowStore interface {
	// Consume atomically drops members older than windowStart, counts
	// the rest, and inserts member at nowScore only if the count is
	// below limit. Returns the post-check count and the oldest
	// surviving score (0 when empty).
	Consume(ctx context.Context, key string, windowStart, nowScore int64, limit int, member string, ttl time.Duration) (count int64, added bool, oldest int64, err error)
}

// NewLimiter creates a limiter over the given store.
func NewLimiter(store WindowStore) *Limiter {
	return &Limiter{store: store}
}

// Allow reserves one unit against the community's (action, window) limit.
// limit < 0 is the enterprise unlimited sentinel: no store round-trip.
// Store outages are transient faults: callers fail closed.
func (l *Limiter) Allow(ctx context.Context, communityID, action string, w Window, limit int) (Decision, error) {
	now := time.Now()
	if limit < 0 {
		return Decision{Allowed: true, Remaining: Unlimited, ResetAt: now}, nil
	}
	if limit == 0 {
		return Decision{Allowed: false, Remaining: 0, ResetAt: now.Add(w.Duration())}, nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s:%s", communityID, action, w)
	windowStart := now.Add(-w.Duration()).UnixMilli()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])
	ttl := w.Duration() + 60*time.Second

	count, added, oldest, err := l.store.Consume(ctx, key, windowStart, now.UnixMilli(), limit, member, ttl)
	if err != nil {
		return Decision{}, faults.Wrap(faults.KindTransient, "ratelimit_unavailable",
			"rate limit service unavailable", err)
	}

	resetAt := now.Add(w.Duration())
	if oldest > 0 {
		resetAt = time.UnixMilli(oldest).Add(w.Duration())
	}

	if !added {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
}

// ============================================================================
// REDIS WINDOW STORE
// ============================================================================

// consumeScript: remove-expired + count + conditional-insert must be one
// atomic unit, so it runs server-side.
//
//	KEYS[1] = sorted-set key
//	ARGV[1] = window start (ms)   ARGV[2] = now (ms)
//	ARGV[3] = limit               ARGV[4] = member
//	ARGV[5] = ttl (seconds)
//
// Returns {count_after, added(0|1), oldest_score}.
const consumeScript = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local count = redis.call("ZCARD", KEYS[1])
local added = 0
if count < tonumber(ARGV[3]) then
  redis.call("ZADD", KEYS[1], ARGV[2], ARGV[4])
  redis.call("EXPIRE", KEYS[1], ARGV[5])
  count = count + 1
  added = 1
end
local oldest = 0
local first = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if first[2] then oldest = tonumber(first[2]) end
return {count, added, oldest}
`

// RedisWindowStore runs the consume script on the shared kv client.
type RedisWindowStore struct {
	client kv.Client
}

// NewRedisWindowStore wraps a kv client.
func NewRedisWindowStore(client kv.Client) *RedisWindowStore {
	return &RedisWindowStore{client: client}
}

func (s *RedisWindowStore) Consume(ctx context.Context, key string, windowStart, nowScore int64, limit int, member string, ttl time.Duration) (int64, bool, int64, error) {
	res, err := s.client.Eval(ctx, consumeScript, []string{key},
		windowStart, nowScore, limit, member, int64(ttl.Seconds()))
	if err != nil {
		return 0, false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return 0, false, 0, fmt.Errorf("ratelimit: unexpected script reply %T", res)
	}
	count, _ := arr[0].(int64)
	added, _ := arr[1].(int64)
	oldest, _ := arr[2].(int64)
	return count, added == 1, oldest, nil
}

var _ WindowStore = (*RedisWindowStore)(nil)
