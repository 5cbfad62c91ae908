// Package drift compares feature distributions between two offline store
// windows and decides which features have shifted enough to warrant
// retraining.
package drift

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Kind classifies a verdict.
type Kind string

const (
	// KindStatistical means both windows had enough data and the
	// distributional tests ran.
	KindStatistical Kind = "statistical"

	// KindSchemaDrift means the feature exists in one window's schema but
	// not the other's. The statistical tests cannot express this.
	KindSchemaDrift Kind = "schema_drift"

	// KindInsufficientData means a window had fewer samples than the
	// configured minimum, so no statistic was computed.
	KindInsufficientData Kind = "insufficient_data"
)

// Verdict is the per-feature outcome of one drift check. Statistic and
// PValue are meaningful only for KindStatistical verdicts.
type Verdict struct {
	FeatureName string
	Kind        Kind

	// Statistic is the population stability index between the windows.
	Statistic float64
	// PValue is the two-sided Welch's t-test p-value for a mean shift.
	PValue float64

	PSIThreshold    float64
	PValueThreshold float64

	Triggered bool

	ReferenceSamples int
	CandidateSamples int
	ComputedAt       time.Time
}

// VerdictRecord persists a verdict. Re-running a check for the same date
// replaces the row, keeping the job idempotent under retry.
type VerdictRecord struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	CheckDate   string       `gorm:"type:text;not null;uniqueIndex:ux_drift_check_feature,priority:1"`
	FeatureName string       `gorm:"type:text;not null;uniqueIndex:ux_drift_check_feature,priority:2"`
	Kind        string       `gorm:"type:text;not null"`

	Statistic       float64
	PValue          float64
	PSIThreshold    float64
	PValueThreshold float64
	Triggered       bool `gorm:"not null"`

	ReferenceSamples int
	CandidateSamples int
	ComputedAt       time.Time `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (VerdictRecord) TableName() string { return "drift_verdicts" }

func newVerdictRecord(id snowflake.ID, checkDate string, v Verdict) VerdictRecord {
	return VerdictRecord{
		ID:               id,
		CheckDate:        checkDate,
		FeatureName:      v.FeatureName,
		Kind:             string(v.Kind),
		Statistic:        v.Statistic,
		PValue:           v.PValue,
		PSIThreshold:     v.PSIThreshold,
		PValueThreshold:  v.PValueThreshold,
		Triggered:        v.Triggered,
		ReferenceSamples: v.ReferenceSamples,
		CandidateSamples: v.CandidateSamples,
		ComputedAt:       v.ComputedAt,
	}
}
