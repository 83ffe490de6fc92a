package cashout

import (
	"go.uber.org/fx"
)

var Module = fx.Module("cashout.service",
	fx.Provide(NewService),
)
