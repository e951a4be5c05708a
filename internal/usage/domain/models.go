// Package domain contains the per-call usage record.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageEvent is one row per completed call. is_processed transitions
// false -> true exactly once, inside the recording transaction.
type UsageEvent struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	RequestID string       `gorm:"type:text;not null;uniqueIndex:ux_usage_events_request"`
	TenantID  string       `gorm:"type:text;not null;index:ix_usage_events_tenant"`
	UserID    string       `gorm:"type:text"`
	ThreadID  string       `gorm:"type:text"`
	Model     string       `gorm:"type:text"`

	PromptTokens     int64 `gorm:"not null;default:0"`
	CompletionTokens int64 `gorm:"not null;default:0"`
	TotalTokens      int64 `gorm:"not null;default:0"`
	LatencyMS        int64 `gorm:"not null;default:0"`

	Metadata datatypes.JSONMap `gorm:"type:jsonb"`

	IsProcessed bool       `gorm:"not null;default:false"`
	ProcessedAt *time.Time `gorm:""`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }
