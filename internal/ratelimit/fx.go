package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/paymaster/internal/clock"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(ProvideLocker),
	fx.Provide(ProvideWindowCounter),
	fx.Provide(ProvideLimiter),
)

func ProvideLocker(client *redis.Client, clk clock.Clock) Locker {
	if client == nil {
		return NewMemoryLocker(clk)
	}
	return NewRedisLocker(client)
}

func ProvideWindowCounter(client *redis.Client, clk clock.Clock) WindowCounter {
	if client == nil {
		return NewMemoryWindowCounter(clk)
	}
	return NewRedisWindowCounter(client)
}

func ProvideLimiter(client *redis.Client, clk clock.Clock) Limiter {
	if client == nil {
		return NewMemoryTokenBucket(clk)
	}
	return NewTokenBucket(client)
}
