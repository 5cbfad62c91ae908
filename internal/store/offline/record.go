// Package offline implements the append-only historical feature store.
package offline

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	featuredomain "github.com/smallbiznis/retain/internal/feature/domain"
	"gorm.io/datatypes"
)

var (
	ErrDuplicateRecord  = errors.New("duplicate_record")
	ErrInvalidRecord    = errors.New("invalid_record")
	ErrStoreUnavailable = errors.New("offline_store_unavailable")
)

// Record is one persisted feature vector, optionally carrying its label.
// Rows are write-once per (entity_id, as_of): the unique index makes
// concurrent appends for distinct keys safe without locking, and turns a
// conflicting second append into a detectable violation instead of a silent
// merge. CorrectedAt marks the explicit backfill-overwrite path.
type Record struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	EntityID      int64             `gorm:"not null;uniqueIndex:ux_offline_entity_asof,priority:1"`
	AsOf          time.Time         `gorm:"not null;uniqueIndex:ux_offline_entity_asof,priority:2"`
	PartitionKey  string            `gorm:"type:text;not null;index"`
	Values        datatypes.JSONMap `gorm:"type:jsonb;not null"`
	SchemaVersion int               `gorm:"not null"`

	LabelName        *string `gorm:"type:text"`
	LabelHorizonDays *int
	Churned          *bool

	CorrectedAt *time.Time
	CreatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Record) TableName() string { return "offline_features" }

// PartitionKey derives the partition identifier for an as-of time. It is a
// pure function of the timestamp so writers and readers agree on partition
// boundaries without a lookup service.
func PartitionKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Vector reconstructs the domain feature vector from the stored row.
func (r Record) Vector() featuredomain.FeatureVector {
	values := make(map[string]float64, len(r.Values))
	for name, raw := range r.Values {
		if f, ok := vectorValue(raw); ok {
			values[name] = f
		}
	}
	return featuredomain.FeatureVector{
		EntityID:      r.EntityID,
		AsOf:          r.AsOf.UTC(),
		Values:        values,
		SchemaVersion: r.SchemaVersion,
	}
}

// vectorValue normalizes the scalar shapes a JSONMap column round-trip can
// produce. The driver decodes JSON numbers as json.Number, not float64.
func vectorValue(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Label reconstructs the attached label, or nil when none was persisted.
func (r Record) Label() *featuredomain.Label {
	if r.LabelHorizonDays == nil || r.Churned == nil {
		return nil
	}
	return &featuredomain.Label{
		EntityID:    r.EntityID,
		AsOf:        r.AsOf.UTC(),
		HorizonDays: *r.LabelHorizonDays,
		Churned:     *r.Churned,
	}
}

// NewRecord builds a row from a computation result.
func NewRecord(id snowflake.ID, res *featuredomain.ComputeResult, labelName string) Record {
	values := make(datatypes.JSONMap, len(res.Vector.Values))
	for name, value := range res.Vector.Values {
		values[name] = value
	}

	record := Record{
		ID:            id,
		EntityID:      res.Vector.EntityID,
		AsOf:          res.Vector.AsOf.UTC(),
		PartitionKey:  PartitionKey(res.Vector.AsOf),
		Values:        values,
		SchemaVersion: res.Vector.SchemaVersion,
	}

	if res.Label != nil {
		name := labelName
		horizon := res.Label.HorizonDays
		churned := res.Label.Churned
		record.LabelName = &name
		record.LabelHorizonDays = &horizon
		record.Churned = &churned
	}
	return record
}
