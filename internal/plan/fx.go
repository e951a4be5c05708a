package plan

import (
	"context"

	plandomain "github.com/smallbiznis/tokengate/internal/plan/domain"
	"github.com/smallbiznis/tokengate/internal/plan/service"
	"go.uber.org/fx"
)

var Module = fx.Module("plan.service",
	fx.Provide(service.NewService),
	fx.Invoke(seedCatalog),
)

func seedCatalog(lc fx.Lifecycle, svc plandomain.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.EnsurePlans(ctx)
		},
	})
}
