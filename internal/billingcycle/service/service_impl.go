package service

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	billingcycledomain "github.com/smallbiznis/tokengate/internal/billingcycle/domain"
	"github.com/smallbiznis/tokengate/internal/clock"
	"github.com/smallbiznis/tokengate/internal/observability/metrics"
	plandomain "github.com/smallbiznis/tokengate/internal/plan/domain"
	quotadomain "github.com/smallbiznis/tokengate/internal/quota/domain"
	"github.com/smallbiznis/tokengate/pkg/db/option"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	QuotaRepo quotadomain.Repository
	Plans     plandomain.Service
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock     clock.Clock
	quotarepo quotadomain.Repository
	plans     plandomain.Service
	metrics   *metrics.Metrics
}

func NewService(p ServiceParam) billingcycledomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("billingcycle.service"),

		clock:     p.Clock,
		quotarepo: p.QuotaRepo,
		plans:     p.Plans,
		metrics:   p.Metrics,
	}
}

func (s *Service) RenewQuotaCycle(ctx context.Context, tenantID string) error {
	quota, err := s.quotarepo.FindActiveTenantQuota(ctx, s.db, tenantID)
	if err != nil {
		return err
	}
	if quota == nil {
		return quotadomain.ErrTenantNotProvisioned
	}

	now := s.clock.Now()
	if !now.After(quota.BillingCycleEnd) {
		return nil
	}

	newStart, newEnd, err := nextWindow(quota.BillingCycleEnd, now)
	if err != nil {
		return err
	}

	limits := s.resolveLimits(ctx, quota)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Guarded on the old cycle end so a concurrent renewal is a no-op
		// here instead of a double reset.
		result := tx.WithContext(ctx).Exec(
			`UPDATE tenant_quotas
			 SET used_prompt_tokens = 0,
			     used_completion_tokens = 0,
			     used_total_tokens = 0,
			     used_resources = 0,
			     notified_80 = ?,
			     notified_100 = ?,
			     overage_tokens = 0,
			     overage_charge = 0,
			     max_prompt_tokens = ?,
			     max_completion_tokens = ?,
			     max_total_tokens = ?,
			     max_resources = ?,
			     max_users = ?,
			     overage_rate = ?,
			     currency = ?,
			     billing_cycle_start = ?,
			     billing_cycle_end = ?,
			     last_reset_at = ?,
			     updated_at = ?
			 WHERE id = ? AND status = ? AND billing_cycle_end = ?`,
			false,
			false,
			limits.MaxPromptTokens,
			limits.MaxCompletionTokens,
			limits.MaxTotalTokens,
			limits.MaxResources,
			limits.MaxUsers,
			limits.OverageRate,
			limits.Currency,
			newStart,
			newEnd,
			now,
			now,
			quota.ID,
			quotadomain.QuotaStatusActive,
			quota.BillingCycleEnd,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			s.log.Debug("cycle already renewed elsewhere",
				zap.String("tenant_id", tenantID),
			)
			return nil
		}

		// User quotas follow the tenant window. Custom per-user maxes are
		// kept, only the counters and the window move.
		userResult := tx.WithContext(ctx).Exec(
			`UPDATE user_quotas
			 SET used_prompt_tokens = 0,
			     used_completion_tokens = 0,
			     used_total_tokens = 0,
			     billing_cycle_start = ?,
			     billing_cycle_end = ?,
			     last_reset_at = ?,
			     updated_at = ?
			 WHERE tenant_id = ? AND status = ? AND billing_cycle_end <= ?`,
			newStart,
			newEnd,
			now,
			now,
			tenantID,
			quotadomain.QuotaStatusActive,
			quota.BillingCycleEnd,
		)
		if userResult.Error != nil {
			return userResult.Error
		}

		s.log.Info("billing cycle renewed",
			zap.String("tenant_id", tenantID),
			zap.String("plan_code", quota.PlanCode),
			zap.Time("cycle_start", newStart),
			zap.Time("cycle_end", newEnd),
			zap.Int64("user_quotas", userResult.RowsAffected),
		)
		s.metrics.RecordCycleRenewed(ctx, quota.PlanCode)
		return nil
	})
}

func (s *Service) RenewDueCycles(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	now := s.clock.Now()

	// SKIP LOCKED keeps competing schedulers off the same tenants; sqlite
	// runs the sweep unlocked.
	query := s.db.WithContext(ctx).
		Model(&quotadomain.TenantQuota{}).
		Where("status = ? AND billing_cycle_end < ?", quotadomain.QuotaStatusActive, now)
	for _, opt := range []option.QueryOption{
		option.WithOrderBy("billing_cycle_end ASC"),
		option.WithLimit(limit),
		option.WithSkipLocked(),
	} {
		query = opt.Apply(query)
	}

	var tenantIDs []string
	if err := query.Pluck("tenant_id", &tenantIDs).Error; err != nil {
		return 0, err
	}

	renewed := 0
	for _, tenantID := range tenantIDs {
		if err := s.RenewQuotaCycle(ctx, tenantID); err != nil {
			s.log.Error("cycle renewal failed",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			continue
		}
		renewed++
	}
	return renewed, nil
}

// cycleLimits snapshots the limit fields copied onto the renewed row.
type cycleLimits struct {
	MaxPromptTokens     int64
	MaxCompletionTokens int64
	MaxTotalTokens      int64
	MaxResources        int64
	MaxUsers            int64
	OverageRate         decimal.Decimal
	Currency            string
}

// resolveLimits refreshes limits from the tenant's current plan, keeping
// the existing ones when the plan has gone missing from the catalog.
func (s *Service) resolveLimits(ctx context.Context, quota *quotadomain.TenantQuota) cycleLimits {
	plan, err := s.plans.GetByCode(ctx, quota.PlanCode)
	if err != nil {
		if !errors.Is(err, plandomain.ErrPlanNotFound) {
			s.log.Warn("plan lookup failed, keeping current limits",
				zap.String("tenant_id", quota.TenantID),
				zap.String("plan_code", quota.PlanCode),
				zap.Error(err),
			)
		} else {
			s.log.Warn("plan missing from catalog, keeping current limits",
				zap.String("tenant_id", quota.TenantID),
				zap.String("plan_code", quota.PlanCode),
			)
		}
		return cycleLimits{
			MaxPromptTokens:     quota.MaxPromptTokens,
			MaxCompletionTokens: quota.MaxCompletionTokens,
			MaxTotalTokens:      quota.MaxTotalTokens,
			MaxResources:        quota.MaxResources,
			MaxUsers:            quota.MaxUsers,
			OverageRate:         quota.OverageRate,
			Currency:            quota.Currency,
		}
	}

	return cycleLimits{
		MaxPromptTokens:     plan.IncludedPromptTokens,
		MaxCompletionTokens: plan.IncludedCompletionTokens,
		MaxTotalTokens:      plan.IncludedTotalTokens,
		MaxResources:        plan.MaxResources,
		MaxUsers:            plan.MaxUsers,
		OverageRate:         plan.OverageRate,
		Currency:            plan.Currency,
	}
}

// nextWindow advances the cycle monthly, anchored on the old end date so
// repeated late renewals do not drift.
func nextWindow(oldEnd, now time.Time) (time.Time, time.Time, error) {
	if oldEnd.IsZero() {
		return time.Time{}, time.Time{}, billingcycledomain.ErrInvalidCycleWindow
	}

	start := oldEnd
	end := start.AddDate(0, 1, 0)
	for !end.After(now) {
		start = end
		end = start.AddDate(0, 1, 0)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, billingcycledomain.ErrInvalidCycleWindow
	}
	return start, end, nil
}
