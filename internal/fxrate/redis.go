package fxrate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/paymaster/internal/clock"
	"go.uber.org/zap"
)

// feedValue is written to the configured key by the price feed, e.g.
// {"ethUsd":"1800.00","asOf":1772370000}.
type feedValue struct {
	EthUSD string `json:"ethUsd"`
	AsOf   int64  `json:"asOf"`
}

// RedisProvider reads the latest price published by an external feed and
// falls back to the static price when the value is missing, stale or broken.
type RedisProvider struct {
	client   *redis.Client
	key      string
	maxAge   time.Duration
	fallback Provider
	clock    clock.Clock
	log      *zap.Logger
}

func NewRedisProvider(client *redis.Client, key string, maxAge time.Duration, fallback Provider, clk clock.Clock, log *zap.Logger) *RedisProvider {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &RedisProvider{
		client:   client,
		key:      key,
		maxAge:   maxAge,
		fallback: fallback,
		clock:    clk,
		log:      log.Named("fxrate.redis"),
	}
}

func (p *RedisProvider) Snapshot(ctx context.Context) (Snapshot, error) {
	snapshot, err := p.read(ctx)
	if err == nil {
		return snapshot, nil
	}
	if p.fallback == nil {
		return Snapshot{}, err
	}
	p.log.Warn("fx feed unavailable, using fallback price", zap.String("key", p.key), zap.Error(err))
	return p.fallback.Snapshot(ctx)
}

func (p *RedisProvider) read(ctx context.Context) (Snapshot, error) {
	raw, err := p.client.Get(ctx, p.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, errors.New("fx feed key missing")
		}
		return Snapshot{}, err
	}

	var value feedValue
	if err := json.Unmarshal(raw, &value); err != nil {
		return Snapshot{}, err
	}
	cents, err := ParseUSDToCents(value.EthUSD)
	if err != nil {
		return Snapshot{}, err
	}

	asOf := time.Unix(value.AsOf, 0).UTC()
	if p.maxAge > 0 && p.clock.Now().Sub(asOf) > p.maxAge {
		return Snapshot{}, errors.New("fx feed value is stale")
	}
	return Snapshot{EthUSDCents: cents, Source: SourceRedis, AsOf: asOf}, nil
}
