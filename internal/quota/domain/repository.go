package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// UsageDelta carries the per-dimension increments applied to a quota row.
type UsageDelta struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Resources        int64
}

// Repository is the ledger write surface. Every mutation is a single
// conditional statement so concurrent recorders never lose updates.
// Methods take the handle explicitly so callers can pass a transaction.
type Repository interface {
	FindActiveTenantQuota(ctx context.Context, db *gorm.DB, tenantID string) (*TenantQuota, error)
	FindActiveUserQuota(ctx context.Context, db *gorm.DB, tenantID, userID string) (*UserQuota, error)

	// IncrementTenantUsage adds the delta to the ACTIVE row for the cycle
	// ending at cycleEnd. A false return means the row was renewed or
	// superseded in between and the caller should re-resolve.
	IncrementTenantUsage(ctx context.Context, db *gorm.DB, quotaID snowflake.ID, cycleEnd time.Time, delta UsageDelta, now time.Time) (bool, error)
	IncrementUserUsage(ctx context.Context, db *gorm.DB, quotaID snowflake.ID, cycleEnd time.Time, delta UsageDelta, now time.Time) (bool, error)

	// RecomputeOverage derives overage_tokens and overage_charge from the
	// current row entirely server-side.
	RecomputeOverage(ctx context.Context, db *gorm.DB, quotaID snowflake.ID, now time.Time) error

	// MarkThresholdReached flips the notified flag for the given threshold
	// (80 or 100) once per cycle. True means this call won the transition.
	MarkThresholdReached(ctx context.Context, db *gorm.DB, quotaID snowflake.ID, threshold int, now time.Time) (bool, error)

	MergeAggregatedUsage(ctx context.Context, db *gorm.DB, row *AggregatedUsage) error
	AppendActionLog(ctx context.Context, db *gorm.DB, entry *QuotaActionLog) error
}

var (
	ErrTenantNotProvisioned = errors.New("tenant_not_provisioned")
	ErrUnknownThreshold     = errors.New("unknown_threshold")
)
