package offline

import "go.uber.org/fx"

var Module = fx.Module("store.offline",
	fx.Provide(NewStore),
)
