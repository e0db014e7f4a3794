package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// releaseScript deletes the lock only when the stored value still carries
// the caller's owner id. A plain GET followed by DEL would race with the
// TTL expiring and another worker acquiring in between.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.find(v, ARGV[1], 1, true) then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a Redis SET NX EX lock. The TTL bounds how long a crashed
// owner can block other workers.
type Lock struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Lock {
	return &Lock{rdb: rdb}
}

// Acquire sets key to "{ownerID}:{unix}" if absent, with the given TTL.
func (l *Lock) Acquire(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	value := fmt.Sprintf("%s:%d", ownerID, time.Now().Unix())
	ok, err := l.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX lock: %w", err)
	}
	return ok, nil
}

// Release deletes key only if ownerID matches the stored owner tuple.
// Returns false when the lock was not held by ownerID (expired or stolen).
func (l *Lock) Release(ctx context.Context, key string, ownerID string) (bool, error) {
	res, err := releaseScript.Run(ctx, l.rdb, []string{key}, ownerID).Result()
	if err != nil {
		return false, fmt.Errorf("lock release script: %w", err)
	}
	n, ok := res.(int64)
	return ok && n > 0, nil
}

// Held reports whether key currently exists, regardless of owner.
func (l *Lock) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis EXISTS lock: %w", err)
	}
	return n > 0, nil
}
