// Package domain contains persistence models for the raw event source.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type PlanTier string

const (
	PlanFree  PlanTier = "free"
	PlanBasic PlanTier = "basic"
	PlanPro   PlanTier = "pro"
)

type ActivityKind string

const (
	ActivityLogin     ActivityKind = "login"
	ActivityLogout    ActivityKind = "logout"
	ActivityPageView  ActivityKind = "page_view"
	ActivitySearch    ActivityKind = "search"
	ActivityDownload  ActivityKind = "download"
	ActivityUpgrade   ActivityKind = "upgrade"
	ActivityDowngrade ActivityKind = "downgrade"
)

type BillingStatus string

const (
	BillingSucceeded BillingStatus = "succeeded"
	BillingFailed    BillingStatus = "failed"
	BillingRefunded  BillingStatus = "refunded"
)

// User is an entity subject. Attributes are not versioned: AttributesOf
// always returns the current row, so point-in-time reads of plan tier use the
// present value. That approximation is deliberate and documented rather than
// hidden behind a reconstruction the source data cannot support.
type User struct {
	ID        int64     `gorm:"primaryKey"`
	PlanTier  PlanTier  `gorm:"type:text;not null"`
	SignupAt  time.Time `gorm:"not null"`
	Country   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (User) TableName() string { return "users" }

// ActivityEvent is an immutable behavioral event. Rows are never updated
// after ingestion; late arrivals land as new rows with an old OccurredAt.
type ActivityEvent struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	UserID     int64             `gorm:"not null;index:idx_activity_user_time,priority:1"`
	Kind       ActivityKind      `gorm:"type:text;not null"`
	OccurredAt time.Time         `gorm:"not null;index:idx_activity_user_time,priority:2"`
	SessionID  *string           `gorm:"type:text"`
	Payload    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (ActivityEvent) TableName() string { return "activity_events" }

// BillingEvent is an immutable charge/refund record.
type BillingEvent struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	UserID     int64             `gorm:"not null;index:idx_billing_user_time,priority:1"`
	Amount     float64           `gorm:"not null"`
	Status     BillingStatus     `gorm:"type:text;not null"`
	OccurredAt time.Time         `gorm:"not null;index:idx_billing_user_time,priority:2"`
	Payload    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (BillingEvent) TableName() string { return "billing_events" }
