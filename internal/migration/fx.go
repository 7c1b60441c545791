package migration

import (
	"context"

	"github.com/smallbiznis/paymaster/internal/config"
	ledgerdomain "github.com/smallbiznis/paymaster/internal/ledger/domain"
	"github.com/smallbiznis/paymaster/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, ledger ledgerdomain.Service, log *zap.Logger) error {
		if err := Apply(conn, cfg.DBType); err != nil {
			return err
		}
		log.Info("schema up to date", zap.String("db_type", cfg.DBType))

		return seed.EnsureAccounts(context.Background(), ledger, cfg.Paymaster.SeedAccounts, log)
	}),
)
