package idempotency

import (
	"github.com/smallbiznis/paymaster/internal/cache"
	"github.com/smallbiznis/paymaster/internal/clock"
	"github.com/smallbiznis/paymaster/internal/config"
	"github.com/smallbiznis/paymaster/internal/idempotency/repository"
	"github.com/smallbiznis/paymaster/internal/idempotency/service"
	"go.uber.org/fx"
)

var Module = fx.Module("idempotency.service",
	fx.Provide(repository.Provide),
	fx.Provide(provideResponseCache),
	fx.Provide(service.New),
)

func provideResponseCache(cfg config.Config, clk clock.Clock) cache.ResponseCache {
	return cache.NewResponseCache(cfg.Idempotency.CacheTTL, cache.WithNow(clk.Now))
}
