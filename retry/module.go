package retry

import "go.uber.org/fx"

// Module provides a shared *Registry to the application's dependency
// graph.
var Module = fx.Module("goqueue-retry",
	fx.Provide(NewRegistry),
)
