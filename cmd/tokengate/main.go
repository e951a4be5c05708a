package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokengate/internal/admission"
	"github.com/smallbiznis/tokengate/internal/billingcycle"
	"github.com/smallbiznis/tokengate/internal/clock"
	"github.com/smallbiznis/tokengate/internal/config"
	"github.com/smallbiznis/tokengate/internal/counter"
	"github.com/smallbiznis/tokengate/internal/idempotency"
	"github.com/smallbiznis/tokengate/internal/migration"
	"github.com/smallbiznis/tokengate/internal/observability"
	"github.com/smallbiznis/tokengate/internal/plan"
	"github.com/smallbiznis/tokengate/internal/quota"
	"github.com/smallbiznis/tokengate/internal/redisconn"
	"github.com/smallbiznis/tokengate/internal/relay"
	"github.com/smallbiznis/tokengate/internal/scheduler"
	"github.com/smallbiznis/tokengate/internal/usage"
	"github.com/smallbiznis/tokengate/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		fx.Provide(config.NewPlanCatalogHolder),
		db.Module,
		redisconn.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		plan.Module,
		quota.Module,
		counter.Module,
		idempotency.Module,
		admission.Module,
		usage.Module,
		relay.Module,
		billingcycle.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
