// Package domain defines the feature vector and label types produced by the
// point-in-time computer.
package domain

import (
	"time"
)

// FeatureVector is the named set of computed numeric attributes for one
// entity at one as-of time. Values never incorporate events occurring after
// AsOf.
type FeatureVector struct {
	EntityID      int64
	AsOf          time.Time
	Values        map[string]float64
	SchemaVersion int
}

// Clone returns a deep copy so persisted records cannot alias caller maps.
func (v FeatureVector) Clone() FeatureVector {
	values := make(map[string]float64, len(v.Values))
	for k, val := range v.Values {
		values[k] = val
	}
	out := v
	out.Values = values
	return out
}

// Label is a training outcome computed strictly from events inside
// (AsOf, AsOf+HorizonDays].
type Label struct {
	EntityID    int64
	AsOf        time.Time
	HorizonDays int
	Churned     bool
}
