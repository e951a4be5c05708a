package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	quotadomain "github.com/smallbiznis/tokengate/internal/quota/domain"
	"github.com/smallbiznis/tokengate/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func ProvideRepository() quotadomain.Repository {
	return &repo{}
}

func (r *repo) FindActiveTenantQuota(ctx context.Context, tx *gorm.DB, tenantID string) (*quotadomain.TenantQuota, error) {
	var quota quotadomain.TenantQuota
	err := tx.WithContext(ctx).Raw(
		`SELECT *
		 FROM tenant_quotas
		 WHERE tenant_id = ? AND status = ?
		 ORDER BY id DESC
		 LIMIT 1`,
		tenantID,
		quotadomain.QuotaStatusActive,
	).Scan(&quota).Error
	if err != nil {
		return nil, err
	}
	if quota.ID == 0 {
		return nil, nil
	}
	return &quota, nil
}

func (r *repo) FindActiveUserQuota(ctx context.Context, tx *gorm.DB, tenantID, userID string) (*quotadomain.UserQuota, error) {
	var quota quotadomain.UserQuota
	err := tx.WithContext(ctx).Raw(
		`SELECT *
		 FROM user_quotas
		 WHERE tenant_id = ? AND user_id = ? AND status = ?
		 ORDER BY id DESC
		 LIMIT 1`,
		tenantID,
		userID,
		quotadomain.QuotaStatusActive,
	).Scan(&quota).Error
	if err != nil {
		return nil, err
	}
	if quota.ID == 0 {
		return nil, nil
	}
	return &quota, nil
}

func (r *repo) IncrementTenantUsage(ctx context.Context, tx *gorm.DB, quotaID snowflake.ID, cycleEnd time.Time, delta quotadomain.UsageDelta, now time.Time) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE tenant_quotas
		 SET used_prompt_tokens = used_prompt_tokens + ?,
		     used_completion_tokens = used_completion_tokens + ?,
		     used_total_tokens = used_total_tokens + ?,
		     used_resources = used_resources + ?,
		     updated_at = ?
		 WHERE id = ? AND status = ? AND billing_cycle_end = ?`,
		delta.PromptTokens,
		delta.CompletionTokens,
		delta.TotalTokens,
		delta.Resources,
		now,
		quotaID,
		quotadomain.QuotaStatusActive,
		cycleEnd,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) IncrementUserUsage(ctx context.Context, tx *gorm.DB, quotaID snowflake.ID, cycleEnd time.Time, delta quotadomain.UsageDelta, now time.Time) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE user_quotas
		 SET used_prompt_tokens = used_prompt_tokens + ?,
		     used_completion_tokens = used_completion_tokens + ?,
		     used_total_tokens = used_total_tokens + ?,
		     updated_at = ?
		 WHERE id = ? AND status = ? AND billing_cycle_end = ?`,
		delta.PromptTokens,
		delta.CompletionTokens,
		delta.TotalTokens,
		now,
		quotaID,
		quotadomain.QuotaStatusActive,
		cycleEnd,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) RecomputeOverage(ctx context.Context, tx *gorm.DB, quotaID snowflake.ID, now time.Time) error {
	greatest := "GREATEST"
	if db.IsSQLite(tx) {
		greatest = "MAX"
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE tenant_quotas
		 SET overage_tokens = CASE WHEN max_total_tokens > 0
		       THEN `+greatest+`(0, used_total_tokens - max_total_tokens)
		       ELSE 0 END,
		     overage_charge = CASE WHEN max_total_tokens > 0
		       THEN `+greatest+`(0, used_total_tokens - max_total_tokens) * overage_rate / 1000.0
		       ELSE 0 END,
		     updated_at = ?
		 WHERE id = ?`,
		now,
		quotaID,
	).Error
}

func (r *repo) MarkThresholdReached(ctx context.Context, tx *gorm.DB, quotaID snowflake.ID, threshold int, now time.Time) (bool, error) {
	var column string
	switch threshold {
	case 80:
		column = "notified_80"
	case 100:
		column = "notified_100"
	default:
		return false, quotadomain.ErrUnknownThreshold
	}

	result := tx.WithContext(ctx).Exec(
		`UPDATE tenant_quotas
		 SET `+column+` = ?, updated_at = ?
		 WHERE id = ? AND `+column+` = ?
		   AND max_total_tokens > 0
		   AND used_total_tokens * 100 >= max_total_tokens * ?`,
		true,
		now,
		quotaID,
		false,
		threshold,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MergeAggregatedUsage(ctx context.Context, tx *gorm.DB, row *quotadomain.AggregatedUsage) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO aggregated_usages (
			id, tenant_id, period_start,
			prompt_tokens, completion_tokens, total_tokens, request_count,
			estimated_cost, currency, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, period_start) DO UPDATE SET
			prompt_tokens = aggregated_usages.prompt_tokens + excluded.prompt_tokens,
			completion_tokens = aggregated_usages.completion_tokens + excluded.completion_tokens,
			total_tokens = aggregated_usages.total_tokens + excluded.total_tokens,
			request_count = aggregated_usages.request_count + excluded.request_count,
			estimated_cost = aggregated_usages.estimated_cost + excluded.estimated_cost,
			updated_at = excluded.updated_at`,
		row.ID,
		row.TenantID,
		row.PeriodStart,
		row.PromptTokens,
		row.CompletionTokens,
		row.TotalTokens,
		row.RequestCount,
		row.EstimatedCost,
		row.Currency,
		row.CreatedAt,
		row.UpdatedAt,
	).Error
}

func (r *repo) AppendActionLog(ctx context.Context, tx *gorm.DB, entry *quotadomain.QuotaActionLog) error {
	return tx.WithContext(ctx).Create(entry).Error
}
