package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokengate/internal/clock"
	"github.com/smallbiznis/tokengate/internal/config"
	plandomain "github.com/smallbiznis/tokengate/internal/plan/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testCatalog = `plans:
  - code: free
    name: Free
    includedTotalTokens: 1000
    maxUsers: 1
    enforcement: HARD
  - code: pro
    name: Pro
    includedTotalTokens: 5000
    maxResources: 50
    maxUsers: 25
    price: "49"
    overageRate: "0.5"
    enforcement: soft
    models:
      - gpt-4o
      - gpt-4o-mini
`

func newTestService(t *testing.T, catalog string) (plandomain.Service, *gorm.DB) {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, conn.AutoMigrate(&plandomain.Plan{}))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plans.yml"), []byte(catalog), 0o644))

	holder, err := config.NewPlanCatalogHolder(config.Config{PlanCatalogPath: dir}, zap.NewNop())
	require.NoError(t, err)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clock.NewFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)),
		Catalog: holder,
	})
	return svc, conn
}

func TestEnsurePlansSeedsCatalog(t *testing.T) {
	svc, _ := newTestService(t, testCatalog)
	ctx := context.Background()

	require.NoError(t, svc.EnsurePlans(ctx))

	free, err := svc.GetByCode(ctx, "free")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), free.IncludedTotalTokens)
	assert.Equal(t, plandomain.EnforcementHard, free.Enforcement)
	assert.Equal(t, "USD", free.Currency)
	assert.True(t, free.Price.IsZero())

	pro, err := svc.GetByCode(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), pro.IncludedTotalTokens)
	assert.Equal(t, plandomain.EnforcementSoft, pro.Enforcement)
	assert.True(t, pro.Price.Equal(decimal.NewFromInt(49)))
	assert.True(t, pro.OverageRate.Equal(decimal.NewFromFloat(0.5)))
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, []string(pro.Models))
}

func TestEnsurePlansRefreshesExistingRows(t *testing.T) {
	svc, conn := newTestService(t, testCatalog)
	ctx := context.Background()

	require.NoError(t, svc.EnsurePlans(ctx))

	// Drift the row, then reconcile again.
	require.NoError(t, conn.Model(&plandomain.Plan{}).
		Where("code = ?", "pro").
		Updates(map[string]any{"included_total_tokens": 1, "active": false}).Error)

	require.NoError(t, svc.EnsurePlans(ctx))

	pro, err := svc.GetByCode(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), pro.IncludedTotalTokens)
	assert.True(t, pro.Active)

	var count int64
	require.NoError(t, conn.Model(&plandomain.Plan{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestGetByCodeUnknownOrRetired(t *testing.T) {
	svc, conn := newTestService(t, testCatalog)
	ctx := context.Background()

	_, err := svc.GetByCode(ctx, "enterprise")
	assert.ErrorIs(t, err, plandomain.ErrPlanNotFound)

	_, err = svc.GetByCode(ctx, "")
	assert.ErrorIs(t, err, plandomain.ErrPlanNotFound)

	require.NoError(t, svc.EnsurePlans(ctx))
	require.NoError(t, conn.Model(&plandomain.Plan{}).
		Where("code = ?", "free").
		Update("active", false).Error)

	_, err = svc.GetByCode(ctx, "free")
	assert.ErrorIs(t, err, plandomain.ErrPlanNotFound)
}

func TestListReturnsActivePlans(t *testing.T) {
	svc, conn := newTestService(t, testCatalog)
	ctx := context.Background()

	require.NoError(t, svc.EnsurePlans(ctx))
	require.NoError(t, conn.Model(&plandomain.Plan{}).
		Where("code = ?", "free").
		Update("active", false).Error)

	plans, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "pro", plans[0].Code)
}
