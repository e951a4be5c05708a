package quota

import (
	"github.com/smallbiznis/tokengate/internal/quota/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("quota.repository",
	fx.Provide(repository.ProvideRepository),
)
