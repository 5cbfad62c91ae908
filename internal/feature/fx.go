package feature

import (
	"github.com/smallbiznis/retain/internal/feature/compute"
	featuredomain "github.com/smallbiznis/retain/internal/feature/domain"
	"github.com/smallbiznis/retain/internal/feature/validate"
	"github.com/smallbiznis/retain/internal/registry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("feature",
	fx.Provide(registry.Builtin),
	fx.Provide(compute.NewService),
	fx.Provide(func(svc featuredomain.Service, log *zap.Logger) *compute.Pool {
		return compute.NewPool(svc, log)
	}),
	fx.Provide(validate.New),
)
