package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paymaster/internal/clock"
	"github.com/smallbiznis/paymaster/internal/config"
	"github.com/smallbiznis/paymaster/internal/events"
	"github.com/smallbiznis/paymaster/internal/fxrate"
	"github.com/smallbiznis/paymaster/internal/idempotency"
	"github.com/smallbiznis/paymaster/internal/ledger"
	"github.com/smallbiznis/paymaster/internal/migration"
	"github.com/smallbiznis/paymaster/internal/observability"
	"github.com/smallbiznis/paymaster/internal/paymaster"
	"github.com/smallbiznis/paymaster/internal/ratelimit"
	"github.com/smallbiznis/paymaster/internal/scheduler"
	"github.com/smallbiznis/paymaster/internal/server"
	"github.com/smallbiznis/paymaster/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,
		events.Module,
		fxrate.Module,

		// Functional Domains
		ledger.Module,
		idempotency.Module,
		paymaster.Module,
		migration.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
