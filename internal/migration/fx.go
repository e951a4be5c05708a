package migration

import (
	"strings"

	"github.com/smallbiznis/tokengate/internal/config"
	plandomain "github.com/smallbiznis/tokengate/internal/plan/domain"
	quotadomain "github.com/smallbiznis/tokengate/internal/quota/domain"
	usagedomain "github.com/smallbiznis/tokengate/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if strings.EqualFold(cfg.DBType, "postgres") {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		return conn.AutoMigrate(
			&plandomain.Plan{},
			&quotadomain.TenantQuota{},
			&quotadomain.UserQuota{},
			&quotadomain.AggregatedUsage{},
			&usagedomain.UsageEvent{},
			&quotadomain.QuotaActionLog{},
		)
	}),
)
