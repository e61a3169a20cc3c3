package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned by TryLock when the lock is already held.
var ErrLocked = errors.New("lock is already held")

// Only the holder's token may release or extend the lock.
var (
	unlockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// TryLock acquires the lock named key with SET NX PX. While held, the TTL is
// extended every ttl/3 so long validation runs keep it. The returned unlock
// function stops the renewal and releases the key; later calls are no-ops.
func TryLock(ctx context.Context, r *Redis, key string, ttl time.Duration) (unlock func(), err error) {
	full := r.Key(key)
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("cache lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				n, err := extendScript.Run(context.Background(), r.client, []string{full}, token, ttl.Milliseconds()).Int()
				if err != nil || n == 0 {
					// Lost or unreachable; the key expires on its own.
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// Background context so unlock works even after the caller's context is cancelled.
			_ = unlockScript.Run(context.Background(), r.client, []string{full}, token).Err()
		})
	}, nil
}

// IsLocked reports whether the lock key exists.
func IsLocked(ctx context.Context, r *Redis, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.Key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("cache lock %s: %w", key, err)
	}
	return n > 0, nil
}
