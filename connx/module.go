package connx

import (
	"context"

	"go.uber.org/fx"

	"github.com/nvquang-dev/goqueue/event"
	"github.com/nvquang-dev/goqueue/logx"
	"github.com/nvquang-dev/goqueue/mqconfig"
)

// Module provides a *Manager wired to the application's Redis config
// and hooks its Connect/Disconnect into the fx lifecycle.
var Module = fx.Module("goqueue-connx",
	fx.Provide(func(cfg *mqconfig.ManagerConfig, log *logx.Logger, bus *event.Bus) *Manager {
		return New(cfg.Redis, log, bus)
	}),
	fx.Invoke(registerHooks),
)

func registerHooks(lc fx.Lifecycle, m *Manager, log *logx.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return m.Connect(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return m.Disconnect()
		},
	})
}
