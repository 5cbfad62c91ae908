// Package registry holds the declarative feature and label catalog. Every
// feature is a tagged variant (source × aggregation × window) interpreted by
// a single evaluator, so the set of computable shapes is closed and testable.
package registry

import (
	"errors"
	"sort"

	eventdomain "github.com/smallbiznis/retain/internal/event/domain"
)

type FeatureType string

const (
	TypeNumeric FeatureType = "numeric"
	TypeBinary  FeatureType = "binary"
)

// Source names the input a feature draws from.
type Source string

const (
	SourceActivity  Source = "activity"
	SourceBilling   Source = "billing"
	SourceAttribute Source = "attribute"
)

// Aggregation is how event values collapse into one number.
type Aggregation string

const (
	AggCount         Aggregation = "count"
	AggCountDistinct Aggregation = "count_distinct"
	AggSum           Aggregation = "sum"
	AggDaysSince     Aggregation = "days_since"
)

// AttributeDerivation names a value read straight off the entity row.
type AttributeDerivation string

const (
	AttrPlanIsPro       AttributeDerivation = "plan_is_pro"
	AttrPlanIsPaid      AttributeDerivation = "plan_is_paid"
	AttrDaysSinceSignup AttributeDerivation = "days_since_signup"
)

// NoHistorySentinel is the defined value for days_since aggregations when no
// qualifying event exists anywhere in history.
const NoHistorySentinel = 9999

// FeatureSpec declares one feature. WindowDays == 0 means all history (for
// event sources) or static (for attribute sources); otherwise the aggregation
// scope is the half-open interval (asOf - window, asOf].
type FeatureSpec struct {
	Name        string
	Description string
	Type        FeatureType
	Source      Source
	Aggregation Aggregation
	WindowDays  int

	// PerDay divides the aggregate by WindowDays (daily rate).
	PerDay bool

	// ActivityKind narrows activity-sourced features; empty means all kinds.
	ActivityKind eventdomain.ActivityKind

	// BillingStatus narrows billing-sourced features; empty means all.
	BillingStatus eventdomain.BillingStatus

	// Attribute selects the derivation for attribute-sourced features.
	Attribute AttributeDerivation

	// MinEvents, when positive, makes the computer fail the whole vector
	// with InsufficientHistory unless at least this many events are in scope.
	MinEvents int
}

// LabelSpec declares a prediction target. Churned means no activity and no
// successful charge inside (asOf, asOf+HorizonDays].
type LabelSpec struct {
	Name        string
	Description string
	HorizonDays int
}

var (
	ErrUnknownFeature = errors.New("unknown_feature")
	ErrUnknownLabel   = errors.New("unknown_label")
	ErrUnknownSet     = errors.New("unknown_feature_set")
)

// Registry is an immutable catalog of feature and label specs.
type Registry struct {
	features map[string]FeatureSpec
	labels   map[string]LabelSpec
	sets     map[string][]string
}

func New(features []FeatureSpec, labels []LabelSpec, sets map[string][]string) *Registry {
	fm := make(map[string]FeatureSpec, len(features))
	for _, f := range features {
		fm[f.Name] = f
	}
	lm := make(map[string]LabelSpec, len(labels))
	for _, l := range labels {
		lm[l.Name] = l
	}
	return &Registry{features: fm, labels: lm, sets: sets}
}

func (r *Registry) Feature(name string) (FeatureSpec, error) {
	spec, ok := r.features[name]
	if !ok {
		return FeatureSpec{}, ErrUnknownFeature
	}
	return spec, nil
}

func (r *Registry) Label(name string) (LabelSpec, error) {
	spec, ok := r.labels[name]
	if !ok {
		return LabelSpec{}, ErrUnknownLabel
	}
	return spec, nil
}

// FeatureNames returns every declared feature name sorted ascending so any
// iteration over the catalog is deterministic.
func (r *Registry) FeatureNames() []string {
	names := make([]string, 0, len(r.features))
	for name := range r.features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Set resolves a named feature set ("minimal", "extended", "all").
func (r *Registry) Set(name string) ([]string, error) {
	if name == "all" {
		return r.FeatureNames(), nil
	}
	set, ok := r.sets[name]
	if !ok {
		return nil, ErrUnknownSet
	}
	out := make([]string, len(set))
	copy(out, set)
	return out, nil
}
