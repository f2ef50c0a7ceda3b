package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when the caller's token still owns
// it, so a slow worker cannot release a lock that expired and was taken
// by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the TTL only for the current owner.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock implements Lock on Redis using SET NX PX with token-checked
// release. The same key is shared by the scheduler and the workers.
type RedisLock struct {
	client *redis.Client
	prefix string
}

// NewRedisLock creates a Redis-backed device lock. Prefix defaults to
// "devlock".
func NewRedisLock(client *redis.Client, prefix string) *RedisLock {
	if prefix == "" {
		prefix = "devlock"
	}
	return &RedisLock{client: client, prefix: prefix}
}

func (l *RedisLock) key(deviceID string) string {
	return fmt.Sprintf("%s:%s", l.prefix, deviceID)
}

// TryAcquire implements Lock.
func (l *RedisLock) TryAcquire(ctx context.Context, deviceID string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(deviceID), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return "", ErrLockBusy
	}
	return token, nil
}

// Release implements Lock.
func (l *RedisLock) Release(ctx context.Context, deviceID, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(deviceID)}, token).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Refresh implements Lock.
func (l *RedisLock) Refresh(ctx context.Context, deviceID, token string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key(deviceID)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

var _ Lock = (*RedisLock)(nil)
