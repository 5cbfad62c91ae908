package registry

import (
	eventdomain "github.com/smallbiznis/retain/internal/event/domain"
)

// ChurnLabel is the default prediction target.
const ChurnLabel = "churned_30d"

// Builtin returns the churn-model catalog.
func Builtin() *Registry {
	features := []FeatureSpec{
		{
			Name:        "avg_sessions_7d",
			Description: "Average daily distinct sessions in last 7 days",
			Type:        TypeNumeric,
			Source:      SourceActivity,
			Aggregation: AggCountDistinct,
			WindowDays:  7,
			PerDay:      true,
		},
		{
			Name:        "sessions_30d",
			Description: "Total distinct sessions in last 30 days",
			Type:        TypeNumeric,
			Source:      SourceActivity,
			Aggregation: AggCountDistinct,
			WindowDays:  30,
		},
		{
			Name:         "days_since_last_login",
			Description:  "Days since the user last logged in; 9999 when never",
			Type:         TypeNumeric,
			Source:       SourceActivity,
			Aggregation:  AggDaysSince,
			ActivityKind: eventdomain.ActivityLogin,
		},
		{
			Name:        "events_30d",
			Description: "Total activity events in last 30 days",
			Type:        TypeNumeric,
			Source:      SourceActivity,
			Aggregation: AggCount,
			WindowDays:  30,
		},
		{
			Name:          "failed_payments_30d",
			Description:   "Failed payment attempts in last 30 days",
			Type:          TypeNumeric,
			Source:        SourceBilling,
			Aggregation:   AggCount,
			WindowDays:    30,
			BillingStatus: eventdomain.BillingFailed,
		},
		{
			Name:          "total_spend_90d",
			Description:   "Successful charge volume in last 90 days",
			Type:          TypeNumeric,
			Source:        SourceBilling,
			Aggregation:   AggSum,
			WindowDays:    90,
			BillingStatus: eventdomain.BillingSucceeded,
		},
		{
			Name:          "refunds_30d",
			Description:   "Refunds in last 30 days",
			Type:          TypeNumeric,
			Source:        SourceBilling,
			Aggregation:   AggCount,
			WindowDays:    30,
			BillingStatus: eventdomain.BillingRefunded,
		},
		{
			Name:        "is_pro_plan",
			Description: "1 when the user is on the pro plan",
			Type:        TypeBinary,
			Source:      SourceAttribute,
			Attribute:   AttrPlanIsPro,
		},
		{
			Name:        "is_paid_plan",
			Description: "1 when the user is on any paid plan",
			Type:        TypeBinary,
			Source:      SourceAttribute,
			Attribute:   AttrPlanIsPaid,
		},
		{
			Name:        "days_since_signup",
			Description: "Days between signup and the as-of time",
			Type:        TypeNumeric,
			Source:      SourceAttribute,
			Attribute:   AttrDaysSinceSignup,
		},
	}

	labels := []LabelSpec{
		{
			Name:        ChurnLabel,
			Description: "No activity and no successful charge within 30 days after as-of",
			HorizonDays: 30,
		},
	}

	sets := map[string][]string{
		"minimal": {
			"avg_sessions_7d",
			"days_since_last_login",
			"total_spend_90d",
			"is_paid_plan",
		},
		"extended": {
			"avg_sessions_7d",
			"sessions_30d",
			"days_since_last_login",
			"events_30d",
			"failed_payments_30d",
			"total_spend_90d",
			"refunds_30d",
			"is_pro_plan",
			"is_paid_plan",
			"days_since_signup",
		},
	}

	return New(features, labels, sets)
}
