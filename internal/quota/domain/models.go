// Package domain contains the durable quota ledger models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	plandomain "github.com/smallbiznis/tokengate/internal/plan/domain"
	"gorm.io/datatypes"
)

// QuotaStatus marks which row is the live one for a tenant. Rows are never
// deleted, a plan change supersedes the old row with a fresh ACTIVE one.
type QuotaStatus string

const (
	QuotaStatusActive     QuotaStatus = "ACTIVE"
	QuotaStatusSuperseded QuotaStatus = "SUPERSEDED"
)

// QuotaAction names an audit trail entry.
type QuotaAction string

const (
	ActionLimitReached     QuotaAction = "LIMIT_REACHED"
	ActionThresholdReached QuotaAction = "THRESHOLD_REACHED"
	ActionOverageCharged   QuotaAction = "OVERAGE_CHARGED"
)

// TenantQuota is the per-tenant billing cycle row. At most one row per
// tenant carries status ACTIVE. Used counters only move through atomic
// conditional updates, never read-modify-write.
type TenantQuota struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	TenantID string       `gorm:"type:text;not null;index:ix_tenant_quotas_tenant"`
	PlanID   snowflake.ID `gorm:"not null"`
	PlanCode string       `gorm:"type:text;not null"` // snapshot

	Status      QuotaStatus                `gorm:"type:text;not null;default:'ACTIVE'"`
	Enforcement plandomain.EnforcementMode `gorm:"type:text;not null;default:'HARD'"`

	BillingCycleStart time.Time `gorm:"not null"`
	BillingCycleEnd   time.Time `gorm:"not null"`

	MaxPromptTokens     int64 `gorm:"not null;default:0"`
	MaxCompletionTokens int64 `gorm:"not null;default:0"`
	MaxTotalTokens      int64 `gorm:"not null;default:0"`
	MaxResources        int64 `gorm:"not null;default:0"`
	MaxUsers            int64 `gorm:"not null;default:0"`

	UsedPromptTokens     int64 `gorm:"not null;default:0"`
	UsedCompletionTokens int64 `gorm:"not null;default:0"`
	UsedTotalTokens      int64 `gorm:"not null;default:0"`
	UsedResources        int64 `gorm:"not null;default:0"`

	// Explicit column names: gorm's strategy would drop the underscore
	// before the digits, diverging from the raw statements.
	Notified80  bool `gorm:"column:notified_80;not null;default:false"`
	Notified100 bool `gorm:"column:notified_100;not null;default:false"`

	OverageTokens int64           `gorm:"not null;default:0"`
	OverageRate   decimal.Decimal `gorm:"type:numeric(18,6);not null;default:0"` // per 1k tokens
	OverageCharge decimal.Decimal `gorm:"type:numeric(18,6);not null;default:0"`
	Currency      string          `gorm:"type:text;not null;default:'USD'"`

	LastResetAt *time.Time `gorm:""`
	CreatedAt   time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TenantQuota) TableName() string { return "tenant_quotas" }

// UserQuota mirrors TenantQuota scoped to a single user. Absence means no
// user-level ceiling.
type UserQuota struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	TenantID string       `gorm:"type:text;not null;index:ix_user_quotas_tenant_user,priority:1"`
	UserID   string       `gorm:"type:text;not null;index:ix_user_quotas_tenant_user,priority:2"`

	Status QuotaStatus `gorm:"type:text;not null;default:'ACTIVE'"`

	BillingCycleStart time.Time `gorm:"not null"`
	BillingCycleEnd   time.Time `gorm:"not null"`

	MaxPromptTokens     int64 `gorm:"not null;default:0"`
	MaxCompletionTokens int64 `gorm:"not null;default:0"`
	MaxTotalTokens      int64 `gorm:"not null;default:0"`

	UsedPromptTokens     int64 `gorm:"not null;default:0"`
	UsedCompletionTokens int64 `gorm:"not null;default:0"`
	UsedTotalTokens      int64 `gorm:"not null;default:0"`

	LastResetAt *time.Time `gorm:""`
	CreatedAt   time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UserQuota) TableName() string { return "user_quotas" }

// AggregatedUsage is the durable per-period rollup, merge-upserted on
// (tenant_id, period_start). Reporting and cold-cache fallback only, never
// consulted for admission directly.
type AggregatedUsage struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	TenantID    string       `gorm:"type:text;not null;uniqueIndex:ux_aggregated_usage_period,priority:1"`
	PeriodStart time.Time    `gorm:"not null;uniqueIndex:ux_aggregated_usage_period,priority:2"`

	PromptTokens     int64 `gorm:"not null;default:0"`
	CompletionTokens int64 `gorm:"not null;default:0"`
	TotalTokens      int64 `gorm:"not null;default:0"`
	RequestCount     int64 `gorm:"not null;default:0"`

	EstimatedCost decimal.Decimal `gorm:"type:numeric(18,6);not null;default:0"`
	Currency      string          `gorm:"type:text;not null;default:'USD'"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AggregatedUsage) TableName() string { return "aggregated_usages" }

// QuotaActionLog is the append-only audit trail of limit hits and overage
// charges.
type QuotaActionLog struct {
	ID       snowflake.ID      `gorm:"primaryKey"`
	TenantID string            `gorm:"type:text;not null;index:ix_quota_action_logs_tenant"`
	UserID   string            `gorm:"type:text"`
	Action   QuotaAction       `gorm:"type:text;not null"`
	Metadata datatypes.JSONMap `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (QuotaActionLog) TableName() string { return "quota_action_logs" }
