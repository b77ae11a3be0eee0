package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it still carries our token, so an
// expired-and-reacquired lock is never released by its previous owner.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker is a distributed Locker built on SET NX PX with a random
// token per acquisition. The TTL bounds how long a crashed holder can block
// the key.
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a locker whose keys expire after ttl. Lock waits
// up to wait for a busy key before giving up.
func NewRedisLocker(rdb redis.UniversalClient, prefix string, ttl, wait time.Duration) *RedisLocker {
	return &RedisLocker{
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
		wait:   wait,
		retry:  50 * time.Millisecond,
	}
}

// TryLock makes a single acquisition attempt.
func (r *RedisLocker) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	k := r.prefix + key
	token := uuid.New().String()

	ok, err := r.rdb.SetNX(ctx, k, token, r.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release on a fresh context: the caller's may already be cancelled.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, r.rdb, []string{k}, token).Err(); err != nil {
				slog.Error("lock release failed", "key", k, "err", err)
			}
		})
	}, true, nil
}

// Lock retries TryLock until it succeeds, the wait limit passes, or ctx ends.
func (r *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	deadline := time.Now().Add(r.wait)
	for {
		unlock, ok, err := r.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrNotAcquired
		}

		t := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-t.C:
		}
	}
}
