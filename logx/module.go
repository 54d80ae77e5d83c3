package logx

import "go.uber.org/fx"

// Module exports the logger for fx-based hosts.
var Module = fx.Module("goqueue-logger",
	fx.Provide(func() (*Logger, error) { return New(DefaultConfig()) }),
)
