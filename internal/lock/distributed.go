// internal/lock/distributed.go
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// BatchSyncKey guards the periodic sync of all connections.
const BatchSyncKey = "locks:scm_integrations_auto_sync"

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Distributed is a Redis-backed lock with a fixed expiry. Holders are told
// apart by a random token so a late release never frees someone else's lock.
type Distributed struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewDistributed(rdb *redis.Client, key string, ttl time.Duration) *Distributed {
	return &Distributed{rdb: rdb, key: key, ttl: ttl}
}

// Acquire tries once to take the lock. It returns the holder token and true
// on success, or "" and false when another process holds it.
func (d *Distributed) Acquire(ctx context.Context) (string, bool, error) {
	token := uuid.NewString()
	ok, err := d.rdb.SetNX(ctx, d.key, token, d.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %q: %w", d.key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the key only if it still holds token.
func (d *Distributed) Release(ctx context.Context, token string) error {
	if err := releaseScript.Run(ctx, d.rdb, []string{d.key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock %q: %w", d.key, err)
	}
	return nil
}
