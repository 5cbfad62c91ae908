package online

import "go.uber.org/fx"

var Module = fx.Module("store.online",
	fx.Provide(
		NewClient,
		New,
	),
)
