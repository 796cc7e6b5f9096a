package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Locker provides the distributed leases used by the per-user connect guard
// and the scheduler singletons. Semantics: SET NX PX with a token-checked
// release; an expired lease is simply lost, not stolen back.
type Locker struct {
	rdb redis.UniversalClient
}

func NewLocker(rdb redis.UniversalClient) *Locker {
	return &Locker{rdb: rdb}
}

// Acquire tries to take the lease once. On success the returned release
// function frees it; releasing an expired lease is a no-op.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error) {
	token := uuid.NewString()

	ok, err = l.rdb.SetNX(ctx, "lock:"+key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func() {
		bg, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = releaseScript.Run(bg, l.rdb, []string{"lock:" + key}, token).Err()
	}
	return release, true, nil
}

// AcquireWait retries Acquire until the lease is obtained or ctx ends.
// Used by the connection-limit check, which must be linearizable per user.
func (l *Locker) AcquireWait(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		release, ok, err := l.Acquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
