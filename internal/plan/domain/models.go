// Package domain contains the plan catalog model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// EnforcementMode controls what happens once a quota dimension is exhausted.
type EnforcementMode string

const (
	EnforcementHard   EnforcementMode = "HARD"
	EnforcementSoft   EnforcementMode = "SOFT"
	EnforcementHybrid EnforcementMode = "HYBRID"
)

// AllowsOverage reports whether over-limit consumption is admitted and billed
// instead of denied. HYBRID carries no credit pool in the data model, so it
// behaves as SOFT without overriding the configured mode.
func (m EnforcementMode) AllowsOverage() bool {
	switch m {
	case EnforcementSoft, EnforcementHybrid:
		return true
	default:
		return false
	}
}

// Plan is one catalog entry. Rows are soft-deleted via the active flag so
// quotas referencing a retired plan keep resolving.
type Plan struct {
	ID                       snowflake.ID               `gorm:"primaryKey"`
	Code                     string                     `gorm:"type:text;not null;uniqueIndex:ux_plan_code"`
	Name                     string                     `gorm:"type:text;not null"`
	IncludedPromptTokens     int64                      `gorm:"not null;default:0"`
	IncludedCompletionTokens int64                      `gorm:"not null;default:0"`
	IncludedTotalTokens      int64                      `gorm:"not null;default:0"`
	MaxResources             int64                      `gorm:"not null;default:0"`
	MaxUsers                 int64                      `gorm:"not null;default:0"`
	Price                    decimal.Decimal            `gorm:"type:numeric(18,6);not null;default:0"`
	OverageRate              decimal.Decimal            `gorm:"type:numeric(18,6);not null;default:0"` // per 1k tokens
	Currency                 string                     `gorm:"type:text;not null;default:'USD'"`
	Enforcement              EnforcementMode            `gorm:"type:text;not null;default:'HARD'"`
	Models                   datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	Active                   bool                       `gorm:"not null;default:true"`
	CreatedAt                time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt                time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }
