package serving

import "go.uber.org/fx"

var Module = fx.Module("serving",
	fx.Provide(New),
)
