package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const keyPreauthDaily = "paymaster:preauth:%s:%s"

// INCR then arm the expiry on the first hit. A key that lost its TTL is
// re-armed so a counter can never become permanent.
const windowCounterScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

// WindowCounter counts hits in a fixed window. It returns the count after
// this hit and the time left in the window.
type WindowCounter interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// DailyPreauthKey buckets preauth calls per organization per UTC day.
func DailyPreauthKey(orgID string, now time.Time) string {
	return fmt.Sprintf(keyPreauthDaily, strings.TrimSpace(orgID), now.UTC().Format("20060102"))
}

// UntilNextUTCMidnight is the remaining length of the current daily window.
func UntilNextUTCMidnight(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}

// RetryAfterSeconds renders a wait as a Retry-After value, rounded up and never
// below one second.
func RetryAfterSeconds(d time.Duration) int {
	if d <= time.Second {
		return 1
	}
	seconds := int(d / time.Second)
	if d%time.Second != 0 {
		seconds++
	}
	return seconds
}

type RedisWindowCounter struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisWindowCounter(client *redis.Client) *RedisWindowCounter {
	if client == nil {
		return nil
	}
	return &RedisWindowCounter{
		client: client,
		script: redis.NewScript(windowCounterScript),
	}
}

func (c *RedisWindowCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if c == nil || c.client == nil {
		return 0, 0, errors.New("window counter not configured")
	}
	if key == "" {
		return 0, 0, errors.New("window counter key is empty")
	}
	if window <= 0 {
		return 0, 0, errors.New("window must be positive")
	}

	windowMs := window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}
	res, err := c.script.Run(ctx, c.client, []string{key}, windowMs).Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) < 2 {
		return 0, 0, errors.New("invalid window counter script response")
	}
	return castToInt(res[0]), time.Duration(castToInt(res[1])) * time.Millisecond, nil
}
