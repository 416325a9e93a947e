// ABOUTME: Distributed integration lock backed by Redis SET NX with a TTL
// ABOUTME: Releases only when the stored token still matches the holder
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// RedisLocker provides locks shared by every process using the same Redis.
type RedisLocker struct {
	rdb       redis.UniversalClient
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisLocker creates a locker. An empty prefix defaults to "pmcrm:lock:".
func NewRedisLocker(rdb redis.UniversalClient, keyPrefix string, logger *zap.Logger) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = "pmcrm:lock:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{rdb: rdb, keyPrefix: keyPrefix, logger: logger}
}

// Acquire sets the key only if it does not exist.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lockKey := l.keyPrefix + key
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	l.logger.Debug("acquired lock", zap.String("key", lockKey))
	return &redisLock{locker: l, key: lockKey, token: token}, nil
}

type redisLock struct {
	locker *RedisLocker
	key    string
	token  string
}

// Release deletes the key only if this lock still owns it.
func (r *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, r.locker.rdb, []string{r.key}, r.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	r.locker.logger.Debug("released lock", zap.String("key", r.key))
	return nil
}

// Extend resets the TTL only if this lock still owns the key.
func (r *redisLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, r.locker.rdb, []string{r.key}, r.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
