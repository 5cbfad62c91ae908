package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrStoreUnavailable = errors.New("store_unavailable")
	ErrUnknownEntity    = errors.New("unknown_entity")
)

// TimeRange is a half-open interval (From, To]. A zero From means
// "all history up to To".
type TimeRange struct {
	From time.Time
	To   time.Time
}

func (r TimeRange) Validate() error {
	if r.To.IsZero() {
		return ErrInvalidTimeRange
	}
	if !r.From.IsZero() && !r.From.Before(r.To) {
		return ErrInvalidTimeRange
	}
	return nil
}

// Contains reports whether t falls inside the half-open interval.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && !t.After(r.From) {
		return false
	}
	return !t.After(r.To)
}

// Repository is the query boundary over the raw event source. Event
// sequences come back ordered by OccurredAt ascending, ties broken by ID so
// iteration order is stable for reproducible feature computation.
type Repository interface {
	// AttributesOf returns the entity row, or ErrUnknownEntity.
	AttributesOf(ctx context.Context, userID int64) (*User, error)

	// ActivityEventsFor returns the user's activity events with
	// OccurredAt in r. Empty kinds means all kinds.
	ActivityEventsFor(ctx context.Context, userID int64, kinds []ActivityKind, r TimeRange) ([]ActivityEvent, error)

	// BillingEventsFor returns the user's billing events with
	// OccurredAt in r. Empty statuses means all statuses.
	BillingEventsFor(ctx context.Context, userID int64, statuses []BillingStatus, r TimeRange) ([]BillingEvent, error)

	// ListUserIDs returns every known entity ID in ascending order.
	ListUserIDs(ctx context.Context) ([]int64, error)

	// MaxObservedEventTime returns the newest OccurredAt across both event
	// tables. Label computation treats this as the data snapshot boundary:
	// a horizon ending after it is not yet observable.
	MaxObservedEventTime(ctx context.Context) (time.Time, error)
}
