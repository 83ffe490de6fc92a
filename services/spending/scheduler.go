package spending

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"relieffund-core/pkg/config"
)

const defaultSweepInterval = time.Minute

// Sweeper backstops the per-request expiry tasks with a periodic scan,
// so holds are released even when the task queue lost the delayed job.
type Sweeper struct {
	service  *Service
	interval time.Duration
}

type SweeperParams struct {
	fx.In
	Service *Service
	Config  *config.Config `optional:"true"`
}

func NewSweeper(p SweeperParams) *Sweeper {
	interval := defaultSweepInterval
	if p.Config != nil && p.Config.Spending.SweepInterval > 0 {
		interval = p.Config.Spending.SweepInterval
	}
	return &Sweeper{service: p.Service, interval: interval}
}

func StartSweeper(lc fx.Lifecycle, s *Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.run(ctx)
			return nil
		},
	})
}

func (s *Sweeper) run(ctx context.Context) {
	zap.L().Info("[Sweeper] started spend request expiry sweeper",
		zap.Duration("interval", s.interval))

	for {
		select {
		case <-time.After(s.interval):
			s.sweep(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Sweeper] stopped")
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	start := time.Now()

	expired, err := s.service.SweepExpired(ctx)
	if err != nil {
		zap.L().Error("[Sweeper] sweep failed", zap.Error(err))
		return
	}

	if expired > 0 {
		zap.L().Info("[Sweeper] expired stale spend requests",
			zap.Int("expired", expired),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
