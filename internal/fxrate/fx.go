package fxrate

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/paymaster/internal/clock"
	"github.com/smallbiznis/paymaster/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("fxrate",
	fx.Provide(ProvideProvider),
)

func ProvideProvider(cfg config.Config, client *redis.Client, clk clock.Clock, log *zap.Logger) (Provider, error) {
	static, err := NewStaticProvider(cfg.FX.EthUSD, clk)
	if err != nil {
		return nil, err
	}
	if cfg.FX.Source != SourceRedis {
		return static, nil
	}
	if client == nil {
		log.Warn("fx source is redis but redis is not configured, using static price")
		return static, nil
	}
	return NewRedisProvider(client, cfg.FX.RedisKey, cfg.FX.MaxAge, static, clk, log), nil
}
