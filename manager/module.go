package manager

import (
	"context"

	"go.uber.org/fx"

	"github.com/nvquang-dev/goqueue/event"
	"github.com/nvquang-dev/goqueue/logx"
	"github.com/nvquang-dev/goqueue/mqconfig"
)

// Module provides a *Manager wired to the application's config, logger
// and event bus, and hooks its Connect/Start and Stop/Disconnect into
// the fx lifecycle. Grounded on the teacher's internal/pkg/health.Module
// (Provide + Invoke(registerHooks) shape) and internal/pkg/worker.Module
// (Start in a goroutine on OnStart, Stop on OnStop).
var Module = fx.Module("goqueue-manager",
	fx.Provide(func(cfg *mqconfig.ManagerConfig, log *logx.Logger, bus *event.Bus) (*Manager, error) {
		return New(*cfg, log, bus)
	}),
	fx.Invoke(registerHooks),
)

func registerHooks(lc fx.Lifecycle, m *Manager, log *logx.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := m.Connect(ctx); err != nil {
				return err
			}
			if err := m.Start(ctx); err != nil {
				return err
			}
			log.Info("goqueue manager started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("stopping goqueue manager")
			if err := m.Stop(); err != nil {
				return err
			}
			return m.Disconnect()
		},
	})
}
