package event

import "go.uber.org/fx"

// Module exports a shared *Bus every other goqueue module's fx.Provide
// takes as a dependency, so one event bus fans every component's event
// catalogue out to the host application. Grounded on the teacher's
// internal/pkg/logctx.Module shape (a bare fx.Module export wrapping
// plumbing with no OnStart/OnStop hooks of its own).
var Module = fx.Module("goqueue-event",
	fx.Provide(NewBus),
)
