package paymaster

import (
	"github.com/smallbiznis/paymaster/internal/paymaster/service"
	"go.uber.org/fx"
)

var Module = fx.Module("paymaster.service",
	fx.Provide(service.New),
)
