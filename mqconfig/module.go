package mqconfig

import "go.uber.org/fx"

// Module exports a *ManagerConfig to the application's dependency graph,
// loaded the same way the teacher's config.Module wires config.NewConfig:
// no file path (GOQUEUE_-prefixed env vars and defaults only). Hosts that
// need a config file should fx.Replace this with mqconfig.Load(path).
var Module = fx.Module("goqueue-config",
	fx.Provide(NewConfig),
)

// NewConfig loads a *ManagerConfig from GOQUEUE_-prefixed environment
// variables layered over defaults, with no config file.
func NewConfig() (*ManagerConfig, error) {
	return Load("")
}
