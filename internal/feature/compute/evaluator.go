package compute

import (
	"fmt"
	"time"

	eventdomain "github.com/smallbiznis/retain/internal/event/domain"
	"github.com/smallbiznis/retain/internal/registry"
)

// Inputs is the immutable event set visible to one evaluation. Activity and
// Billing hold every event with OccurredAt <= the as-of time, ordered
// ascending.
type Inputs struct {
	User     *eventdomain.User
	Activity []eventdomain.ActivityEvent
	Billing  []eventdomain.BillingEvent
}

// evaluate interprets one tagged feature spec against the inputs. It is a
// pure function: same spec, inputs and asOf always yield the same value.
func evaluate(spec registry.FeatureSpec, in Inputs, asOf time.Time) (float64, error) {
	switch spec.Source {
	case registry.SourceActivity:
		return evaluateActivity(spec, in.Activity, asOf)
	case registry.SourceBilling:
		return evaluateBilling(spec, in.Billing, asOf)
	case registry.SourceAttribute:
		return evaluateAttribute(spec, in.User, asOf)
	default:
		return 0, fmt.Errorf("feature %s: unsupported source %q", spec.Name, spec.Source)
	}
}

func evaluateActivity(spec registry.FeatureSpec, events []eventdomain.ActivityEvent, asOf time.Time) (float64, error) {
	from := windowStart(spec, asOf)

	switch spec.Aggregation {
	case registry.AggCount:
		var n float64
		for _, e := range events {
			if !inScope(e.OccurredAt, from, asOf) || !kindMatches(spec, e) {
				continue
			}
			n++
		}
		return perDay(spec, n), nil

	case registry.AggCountDistinct:
		sessions := make(map[string]struct{})
		for _, e := range events {
			if !inScope(e.OccurredAt, from, asOf) || !kindMatches(spec, e) {
				continue
			}
			if e.SessionID == nil || *e.SessionID == "" {
				continue
			}
			sessions[*e.SessionID] = struct{}{}
		}
		return perDay(spec, float64(len(sessions))), nil

	case registry.AggDaysSince:
		var last time.Time
		for _, e := range events {
			if !inScope(e.OccurredAt, from, asOf) || !kindMatches(spec, e) {
				continue
			}
			if e.OccurredAt.After(last) {
				last = e.OccurredAt
			}
		}
		if last.IsZero() {
			return registry.NoHistorySentinel, nil
		}
		return daysBetween(last, asOf), nil

	default:
		return 0, fmt.Errorf("feature %s: aggregation %q unsupported for activity events", spec.Name, spec.Aggregation)
	}
}

func evaluateBilling(spec registry.FeatureSpec, events []eventdomain.BillingEvent, asOf time.Time) (float64, error) {
	from := windowStart(spec, asOf)

	switch spec.Aggregation {
	case registry.AggCount:
		var n float64
		for _, e := range events {
			if !inScope(e.OccurredAt, from, asOf) || !statusMatches(spec, e) {
				continue
			}
			n++
		}
		return perDay(spec, n), nil

	case registry.AggSum:
		var total float64
		for _, e := range events {
			if !inScope(e.OccurredAt, from, asOf) || !statusMatches(spec, e) {
				continue
			}
			total += e.Amount
		}
		return perDay(spec, total), nil

	default:
		return 0, fmt.Errorf("feature %s: aggregation %q unsupported for billing events", spec.Name, spec.Aggregation)
	}
}

func evaluateAttribute(spec registry.FeatureSpec, user *eventdomain.User, asOf time.Time) (float64, error) {
	if user == nil {
		return 0, eventdomain.ErrUnknownEntity
	}

	switch spec.Attribute {
	case registry.AttrPlanIsPro:
		if user.PlanTier == eventdomain.PlanPro {
			return 1, nil
		}
		return 0, nil

	case registry.AttrPlanIsPaid:
		if user.PlanTier == eventdomain.PlanBasic || user.PlanTier == eventdomain.PlanPro {
			return 1, nil
		}
		return 0, nil

	case registry.AttrDaysSinceSignup:
		if user.SignupAt.After(asOf) {
			return 0, nil
		}
		return daysBetween(user.SignupAt, asOf), nil

	default:
		return 0, fmt.Errorf("feature %s: unsupported attribute %q", spec.Name, spec.Attribute)
	}
}

// evaluateChurn computes the label outcome from both forward-window event
// slices. Churned means no activity of any kind and no successful charge in
// (asOf, asOf+horizon].
func evaluateChurn(activity []eventdomain.ActivityEvent, billing []eventdomain.BillingEvent) bool {
	if len(activity) > 0 {
		return false
	}
	for _, e := range billing {
		if e.Status == eventdomain.BillingSucceeded {
			return false
		}
	}
	return true
}

// windowStart returns the exclusive lower bound of the aggregation scope. A
// zero time means all history.
func windowStart(spec registry.FeatureSpec, asOf time.Time) time.Time {
	if spec.WindowDays <= 0 {
		return time.Time{}
	}
	return asOf.AddDate(0, 0, -spec.WindowDays)
}

// inScope applies the half-open interval (from, to].
func inScope(t, from, to time.Time) bool {
	if t.After(to) {
		return false
	}
	if !from.IsZero() && !t.After(from) {
		return false
	}
	return true
}

func kindMatches(spec registry.FeatureSpec, e eventdomain.ActivityEvent) bool {
	return spec.ActivityKind == "" || spec.ActivityKind == e.Kind
}

func statusMatches(spec registry.FeatureSpec, e eventdomain.BillingEvent) bool {
	return spec.BillingStatus == "" || spec.BillingStatus == e.Status
}

func perDay(spec registry.FeatureSpec, value float64) float64 {
	if !spec.PerDay || spec.WindowDays <= 0 {
		return value
	}
	return value / float64(spec.WindowDays)
}

func daysBetween(from, to time.Time) float64 {
	return float64(int(to.Sub(from).Hours() / 24))
}
