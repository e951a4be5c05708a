package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	plandomain "github.com/smallbiznis/tokengate/internal/plan/domain"
	quotadomain "github.com/smallbiznis/tokengate/internal/quota/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, conn.AutoMigrate(
		&quotadomain.TenantQuota{},
		&quotadomain.UserQuota{},
		&quotadomain.AggregatedUsage{},
		&quotadomain.QuotaActionLog{},
	))
	return conn
}

func newNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func seedTenantQuota(t *testing.T, conn *gorm.DB, node *snowflake.Node, mutate func(*quotadomain.TenantQuota)) *quotadomain.TenantQuota {
	t.Helper()

	quota := &quotadomain.TenantQuota{
		ID:                node.Generate(),
		TenantID:          "t1",
		PlanID:            node.Generate(),
		PlanCode:          "pro",
		Status:            quotadomain.QuotaStatusActive,
		Enforcement:       plandomain.EnforcementHard,
		BillingCycleStart: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		BillingCycleEnd:   time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		MaxTotalTokens:    1000,
		OverageRate:       decimal.NewFromFloat(0.5),
		Currency:          "USD",
	}
	if mutate != nil {
		mutate(quota)
	}
	require.NoError(t, conn.Create(quota).Error)
	return quota
}

func TestIncrementTenantUsageConservation(t *testing.T) {
	conn := newTestDB(t)
	node := newNode(t)
	repo := ProvideRepository()
	ctx := context.Background()

	quota := seedTenantQuota(t, conn, node, nil)
	now := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.IncrementTenantUsage(ctx, conn, quota.ID, quota.BillingCycleEnd, quotadomain.UsageDelta{
				PromptTokens:     6,
				CompletionTokens: 4,
				TotalTokens:      10,
				Resources:        1,
			}, now)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	got, err := repo.FindActiveTenantQuota(ctx, conn, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(workers*6), got.UsedPromptTokens)
	assert.Equal(t, int64(workers*4), got.UsedCompletionTokens)
	assert.Equal(t, int64(workers*10), got.UsedTotalTokens)
	assert.Equal(t, int64(workers), got.UsedResources)
}

func TestIncrementTenantUsageGuardsCycleEnd(t *testing.T) {
	conn := newTestDB(t)
	node := newNode(t)
	repo := ProvideRepository()
	ctx := context.Background()

	quota := seedTenantQuota(t, conn, node, nil)
	staleEnd := quota.BillingCycleEnd.AddDate(0, -1, 0)

	ok, err := repo.IncrementTenantUsage(ctx, conn, quota.ID, staleEnd, quotadomain.UsageDelta{TotalTokens: 10}, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.FindActiveTenantQuota(ctx, conn, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.UsedTotalTokens)
}

func TestRecomputeOverage(t *testing.T) {
	conn := newTestDB(t)
	node := newNode(t)
	repo := ProvideRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	tests := []struct {
		name          string
		used          int64
		max           int64
		wantTokens    int64
		wantCharge    decimal.Decimal
	}{
		{name: "over the cap", used: 1200, max: 1000, wantTokens: 200, wantCharge: decimal.NewFromFloat(0.1)},
		{name: "under the cap", used: 900, max: 1000, wantTokens: 0, wantCharge: decimal.Zero},
		{name: "unlimited plan", used: 5000, max: 0, wantTokens: 0, wantCharge: decimal.Zero},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quota := seedTenantQuota(t, conn, node, func(q *quotadomain.TenantQuota) {
				q.TenantID = "t-" + tt.name
				q.UsedTotalTokens = tt.used
				q.MaxTotalTokens = tt.max
			})

			require.NoError(t, repo.RecomputeOverage(ctx, conn, quota.ID, now))

			got, err := repo.FindActiveTenantQuota(ctx, conn, quota.TenantID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTokens, got.OverageTokens)
			assert.True(t, got.OverageCharge.Equal(tt.wantCharge),
				"overage charge %s, want %s", got.OverageCharge, tt.wantCharge)
		})
	}
}

func TestNotifiedColumnNamesMatchRawStatements(t *testing.T) {
	conn := newTestDB(t)
	migrator := conn.Migrator()
	assert.True(t, migrator.HasColumn(&quotadomain.TenantQuota{}, "notified_80"))
	assert.True(t, migrator.HasColumn(&quotadomain.TenantQuota{}, "notified_100"))
}

func TestMarkThresholdReachedFiresOncePerCycle(t *testing.T) {
	conn := newTestDB(t)
	node := newNode(t)
	repo := ProvideRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	quota := seedTenantQuota(t, conn, node, func(q *quotadomain.TenantQuota) {
		q.UsedTotalTokens = 850
	})

	ok, err := repo.MarkThresholdReached(ctx, conn, quota.ID, 80, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkThresholdReached(ctx, conn, quota.ID, 80, now)
	require.NoError(t, err)
	assert.False(t, ok)

	// Not at the hard limit yet.
	ok, err = repo.MarkThresholdReached(ctx, conn, quota.ID, 100, now)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.IncrementTenantUsage(ctx, conn, quota.ID, quota.BillingCycleEnd, quotadomain.UsageDelta{TotalTokens: 150}, now)
	require.NoError(t, err)

	ok, err = repo.MarkThresholdReached(ctx, conn, quota.ID, 100, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkThresholdReached(ctx, conn, quota.ID, 100, now)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.MarkThresholdReached(ctx, conn, quota.ID, 95, now)
	assert.ErrorIs(t, err, quotadomain.ErrUnknownThreshold)
}

func TestMergeAggregatedUsageAccumulates(t *testing.T) {
	conn := newTestDB(t)
	node := newNode(t)
	repo := ProvideRepository()
	ctx := context.Background()

	periodStart := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	now := time.Now().UTC()

	first := &quotadomain.AggregatedUsage{
		ID:               node.Generate(),
		TenantID:         "t1",
		PeriodStart:      periodStart,
		PromptTokens:     30,
		CompletionTokens: 20,
		TotalTokens:      50,
		RequestCount:     1,
		EstimatedCost:    decimal.NewFromFloat(0.025),
		Currency:         "USD",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, repo.MergeAggregatedUsage(ctx, conn, first))

	second := &quotadomain.AggregatedUsage{
		ID:               node.Generate(),
		TenantID:         "t1",
		PeriodStart:      periodStart,
		PromptTokens:     10,
		CompletionTokens: 10,
		TotalTokens:      20,
		RequestCount:     1,
		EstimatedCost:    decimal.NewFromFloat(0.01),
		Currency:         "USD",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, repo.MergeAggregatedUsage(ctx, conn, second))

	var rows []quotadomain.AggregatedUsage
	require.NoError(t, conn.Find(&rows).Error)
	require.Len(t, rows, 1)

	got := rows[0]
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, int64(40), got.PromptTokens)
	assert.Equal(t, int64(30), got.CompletionTokens)
	assert.Equal(t, int64(70), got.TotalTokens)
	assert.Equal(t, int64(2), got.RequestCount)
	assert.True(t, got.EstimatedCost.Equal(decimal.NewFromFloat(0.035)),
		"estimated cost %s", got.EstimatedCost)
}

func TestFindActiveTenantQuota(t *testing.T) {
	conn := newTestDB(t)
	node := newNode(t)
	repo := ProvideRepository()
	ctx := context.Background()

	got, err := repo.FindActiveTenantQuota(ctx, conn, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	superseded := seedTenantQuota(t, conn, node, func(q *quotadomain.TenantQuota) {
		q.Status = quotadomain.QuotaStatusSuperseded
	})
	active := seedTenantQuota(t, conn, node, nil)

	got, err = repo.FindActiveTenantQuota(ctx, conn, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, active.ID, got.ID)
	assert.NotEqual(t, superseded.ID, got.ID)
}

func TestFindActiveUserQuota(t *testing.T) {
	conn := newTestDB(t)
	node := newNode(t)
	repo := ProvideRepository()
	ctx := context.Background()

	got, err := repo.FindActiveUserQuota(ctx, conn, "t1", "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	quota := &quotadomain.UserQuota{
		ID:                node.Generate(),
		TenantID:          "t1",
		UserID:            "u1",
		Status:            quotadomain.QuotaStatusActive,
		BillingCycleStart: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		BillingCycleEnd:   time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		MaxTotalTokens:    200,
	}
	require.NoError(t, conn.Create(quota).Error)

	got, err = repo.FindActiveUserQuota(ctx, conn, "t1", "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, quota.ID, got.ID)

	got, err = repo.FindActiveUserQuota(ctx, conn, "t1", "other")
	require.NoError(t, err)
	assert.Nil(t, got)
}
