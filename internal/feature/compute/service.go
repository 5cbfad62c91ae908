// Package compute implements the point-in-time feature computer.
package compute

import (
	"context"
	"fmt"
	"sort"
	"time"

	eventdomain "github.com/smallbiznis/retain/internal/event/domain"
	featuredomain "github.com/smallbiznis/retain/internal/feature/domain"
	obsmetrics "github.com/smallbiznis/retain/internal/observability/metrics"
	"github.com/smallbiznis/retain/internal/registry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Events   eventdomain.Repository
	Registry *registry.Registry
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	events   eventdomain.Repository
	registry *registry.Registry
	metrics  *obsmetrics.Metrics
}

func NewService(p Params) featuredomain.Service {
	return &Service{
		log:      p.Log.Named("feature.compute"),
		events:   p.Events,
		registry: p.Registry,
		metrics:  p.Metrics,
	}
}

// Compute evaluates every requested feature against events with
// OccurredAt <= AsOf, and the label (when requested) against events strictly
// inside (AsOf, AsOf+horizon]. The as-of time may lie in the future relative
// to the data snapshot; the event scope rule alone guarantees no future
// leakage.
func (s *Service) Compute(ctx context.Context, req featuredomain.ComputeRequest) (*featuredomain.ComputeResult, error) {
	if req.AsOf.IsZero() {
		return nil, featuredomain.ErrInvalidAsOf
	}
	if len(req.FeatureNames) == 0 {
		return nil, featuredomain.ErrNoFeaturesRequested
	}
	asOf := req.AsOf.UTC()

	user, err := s.events.AttributesOf(ctx, req.EntityID)
	if err != nil {
		return nil, err
	}

	history := eventdomain.TimeRange{To: asOf}
	activity, err := s.events.ActivityEventsFor(ctx, req.EntityID, nil, history)
	if err != nil {
		return nil, err
	}
	billing, err := s.events.BillingEventsFor(ctx, req.EntityID, nil, history)
	if err != nil {
		return nil, err
	}

	in := Inputs{User: user, Activity: activity, Billing: billing}

	// Sorted evaluation order keeps the computation deterministic even
	// though the result map itself is unordered.
	names := make([]string, len(req.FeatureNames))
	copy(names, req.FeatureNames)
	sort.Strings(names)

	values := make(map[string]float64, len(names))
	for _, name := range names {
		spec, err := s.registry.Feature(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, name)
		}
		if err := s.checkHistory(spec, in, asOf); err != nil {
			return nil, err
		}
		value, err := evaluate(spec, in, asOf)
		if err != nil {
			return nil, err
		}
		values[name] = value
	}

	result := &featuredomain.ComputeResult{
		Vector: featuredomain.FeatureVector{
			EntityID:      req.EntityID,
			AsOf:          asOf,
			Values:        values,
			SchemaVersion: req.SchemaVersion,
		},
	}

	if req.LabelName != "" {
		label, err := s.computeLabel(ctx, req.EntityID, asOf, req.LabelName, req.LabelHorizonDays)
		if err != nil {
			return nil, err
		}
		result.Label = label
	}

	if s.metrics != nil {
		s.metrics.IncVectorsComputed(ctx, 1)
	}
	return result, nil
}

// computeLabel returns nil (label absent, not an error) when the horizon end
// lies beyond the newest observed event in the data snapshot.
func (s *Service) computeLabel(ctx context.Context, entityID int64, asOf time.Time, labelName string, horizonDays int) (*featuredomain.Label, error) {
	spec, err := s.registry.Label(labelName)
	if err != nil {
		return nil, err
	}
	if horizonDays <= 0 {
		horizonDays = spec.HorizonDays
	}

	horizonEnd := asOf.AddDate(0, 0, horizonDays)
	maxObserved, err := s.events.MaxObservedEventTime(ctx)
	if err != nil {
		return nil, err
	}
	if maxObserved.Before(horizonEnd) {
		s.log.Debug("label horizon not observable",
			zap.Int64("entity_id", entityID),
			zap.Time("as_of", asOf),
			zap.Time("horizon_end", horizonEnd),
			zap.Time("max_observed", maxObserved),
		)
		return nil, nil
	}

	forward := eventdomain.TimeRange{From: asOf, To: horizonEnd}
	activity, err := s.events.ActivityEventsFor(ctx, entityID, nil, forward)
	if err != nil {
		return nil, err
	}
	billing, err := s.events.BillingEventsFor(ctx, entityID, nil, forward)
	if err != nil {
		return nil, err
	}

	return &featuredomain.Label{
		EntityID:    entityID,
		AsOf:        asOf,
		HorizonDays: horizonDays,
		Churned:     evaluateChurn(activity, billing),
	}, nil
}

// checkHistory enforces a spec's minimum event requirement before any value
// is produced for it.
func (s *Service) checkHistory(spec registry.FeatureSpec, in Inputs, asOf time.Time) error {
	if spec.MinEvents <= 0 {
		return nil
	}

	from := windowStart(spec, asOf)
	var n int
	switch spec.Source {
	case registry.SourceActivity:
		for _, e := range in.Activity {
			if inScope(e.OccurredAt, from, asOf) && kindMatches(spec, e) {
				n++
			}
		}
	case registry.SourceBilling:
		for _, e := range in.Billing {
			if inScope(e.OccurredAt, from, asOf) && statusMatches(spec, e) {
				n++
			}
		}
	default:
		return nil
	}

	if n < spec.MinEvents {
		return fmt.Errorf("%w: feature %s needs %d events, have %d",
			featuredomain.ErrInsufficientHistory, spec.Name, spec.MinEvents, n)
	}
	return nil
}
