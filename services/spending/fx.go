package spending

import (
	"go.uber.org/fx"
)

var Module = fx.Module("spending.service",
	fx.Provide(NewService, NewSweeper),
	fx.Invoke(RegisterTasks, StartSweeper),
)
