// Package distlock provides a Redis-backed distributed lock used to
// keep sync cycles single-flight across replicas. The in-process
// guard in the orchestrator handles the single-replica case; this
// lock covers deployments that run more than one instance against the
// same checkpoint.
package distlock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking. Implementations
// are intended for use from a single goroutine; concurrent use across
// goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// RedisLock implements DistLock using SET NX with a TTL. The value is
// a per-instance token so a lock that expired and was re-acquired by
// another instance is never released by the old owner.
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewRedisLock creates a Redis lock for the given key.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLock{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Acquire tries to take the lock without blocking.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
}

// releaseScript deletes the key only when we still hold it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release releases the lock if this instance still owns it.
func (l *RedisLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
