package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paymaster/internal/clock"
	"github.com/smallbiznis/paymaster/internal/config"
	"github.com/smallbiznis/paymaster/internal/events"
	"github.com/smallbiznis/paymaster/internal/fxrate"
	"github.com/smallbiznis/paymaster/internal/idempotency"
	"github.com/smallbiznis/paymaster/internal/ledger"
	"github.com/smallbiznis/paymaster/internal/observability"
	"github.com/smallbiznis/paymaster/internal/paymaster"
	"github.com/smallbiznis/paymaster/internal/ratelimit"
	"github.com/smallbiznis/paymaster/internal/server"
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

		// Core dependencies for API
		ratelimit.Module,
		events.Module,
		fxrate.Module,
		ledger.Module,
		idempotency.Module,
		paymaster.Module,

		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Invoke(func(s *server.Server) {
			s.RegisterPaymasterRoutes()
			s.RegisterCreditRoutes()
			s.RegisterFallback()
		}),
		fx.Invoke(server.RunHTTP),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
