package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const keyApprovalLock = "paymaster:lock:approval:%s"

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrLockKeyEmpty = errors.New("lock key is empty")
	ErrLockTTL      = errors.New("lock ttl must be positive")
)

// Locker grants short-lived exclusive locks guarded by a fencing token.
// Release only succeeds for the token returned by the matching TryLock.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

// LockOptions bounds how long Acquire keeps retrying a busy lock.
type LockOptions struct {
	TTL           time.Duration
	Wait          time.Duration
	RetryInterval time.Duration
}

// ApprovalLockKey is the lock shared by every operation on one approval id.
func ApprovalLockKey(approvalID string) string {
	return fmt.Sprintf(keyApprovalLock, strings.TrimSpace(approvalID))
}

// Acquire retries TryLock until it succeeds or opts.Wait elapses. A busy lock
// is reported as ok=false with a nil error.
func Acquire(ctx context.Context, locker Locker, key string, opts LockOptions) (string, bool, error) {
	if locker == nil {
		return "", false, errors.New("lock client not configured")
	}
	retry := opts.RetryInterval
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	deadline := time.Now().Add(opts.Wait)

	for {
		token, ok, err := locker.TryLock(ctx, key, opts.TTL)
		if err != nil || ok {
			return token, ok, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false, nil
		}
		if retry > remaining {
			retry = remaining
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false, ctx.Err()
		case <-timer.C:
		}
	}
}

type RedisLocker struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	if client == nil {
		return nil
	}
	return &RedisLocker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, ErrLockKeyEmpty
	}
	if ttl <= 0 {
		return "", false, ErrLockTTL
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) (bool, error) {
	if l == nil || l.client == nil {
		return false, errors.New("lock client not configured")
	}
	if key == "" || token == "" {
		return false, nil
	}
	deleted, err := l.script.Run(ctx, l.client, []string{key}, token).Int64()
	if err != nil {
		return false, err
	}
	return deleted == 1, nil
}
