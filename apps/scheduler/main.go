package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paymaster/internal/clock"
	"github.com/smallbiznis/paymaster/internal/config"
	"github.com/smallbiznis/paymaster/internal/events"
	"github.com/smallbiznis/paymaster/internal/idempotency"
	"github.com/smallbiznis/paymaster/internal/ledger"
	"github.com/smallbiznis/paymaster/internal/observability"
	"github.com/smallbiznis/paymaster/internal/ratelimit"
	"github.com/smallbiznis/paymaster/internal/scheduler"
	"github.com/smallbiznis/paymaster/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Domain services required by scheduler
		ratelimit.Module,
		events.Module,
		ledger.Module,
		idempotency.Module,

		fx.Provide(scheduler.ProvideConfig),
		fx.Provide(scheduler.New),

		// No server module!
		fx.Invoke(StartScheduler),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(3)
	if err != nil {
		panic(err)
	}
	return node
}

// StartScheduler always runs the sweeper; SCHEDULER_ENABLED only gates the
// loop embedded in the monolith.
func StartScheduler(lc fx.Lifecycle, s *scheduler.Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
