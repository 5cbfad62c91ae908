// Package repository implements the raw event source boundary on gorm.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	eventdomain "github.com/smallbiznis/retain/internal/event/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Repository struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(p Params) eventdomain.Repository {
	return &Repository{
		db:  p.DB,
		log: p.Log.Named("event.repository"),
	}
}

func (r *Repository) AttributesOf(ctx context.Context, userID int64) (*eventdomain.User, error) {
	var user eventdomain.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, eventdomain.ErrUnknownEntity
		}
		return nil, storeErr(err)
	}
	return &user, nil
}

func (r *Repository) ActivityEventsFor(
	ctx context.Context,
	userID int64,
	kinds []eventdomain.ActivityKind,
	tr eventdomain.TimeRange,
) ([]eventdomain.ActivityEvent, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}

	stmt := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("occurred_at <= ?", tr.To)
	if !tr.From.IsZero() {
		stmt = stmt.Where("occurred_at > ?", tr.From)
	}
	if len(kinds) > 0 {
		stmt = stmt.Where("kind IN ?", kinds)
	}

	var events []eventdomain.ActivityEvent
	if err := stmt.Order("occurred_at ASC, id ASC").Find(&events).Error; err != nil {
		return nil, storeErr(err)
	}
	return events, nil
}

func (r *Repository) BillingEventsFor(
	ctx context.Context,
	userID int64,
	statuses []eventdomain.BillingStatus,
	tr eventdomain.TimeRange,
) ([]eventdomain.BillingEvent, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}

	stmt := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("occurred_at <= ?", tr.To)
	if !tr.From.IsZero() {
		stmt = stmt.Where("occurred_at > ?", tr.From)
	}
	if len(statuses) > 0 {
		stmt = stmt.Where("status IN ?", statuses)
	}

	var events []eventdomain.BillingEvent
	if err := stmt.Order("occurred_at ASC, id ASC").Find(&events).Error; err != nil {
		return nil, storeErr(err)
	}
	return events, nil
}

func (r *Repository) ListUserIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&eventdomain.User{}).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, storeErr(err)
	}
	return ids, nil
}

func (r *Repository) MaxObservedEventTime(ctx context.Context) (time.Time, error) {
	activityMax, err := r.latestOccurredAt(ctx, &eventdomain.ActivityEvent{})
	if err != nil {
		return time.Time{}, err
	}
	billingMax, err := r.latestOccurredAt(ctx, &eventdomain.BillingEvent{})
	if err != nil {
		return time.Time{}, err
	}

	max := activityMax
	if billingMax.After(max) {
		max = billingMax
	}
	return max.UTC(), nil
}

// latestOccurredAt fetches one table's newest event time, zero when the table
// is empty. Plucking the column keeps the time decoding on the driver's
// column path; a raw MAX() scan does not survive every dialect.
func (r *Repository) latestOccurredAt(ctx context.Context, model any) (time.Time, error) {
	var times []time.Time
	err := r.db.WithContext(ctx).
		Model(model).
		Order("occurred_at DESC").
		Limit(1).
		Pluck("occurred_at", &times).Error
	if err != nil {
		return time.Time{}, storeErr(err)
	}
	if len(times) == 0 {
		return time.Time{}, nil
	}
	return times[0], nil
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", eventdomain.ErrStoreUnavailable, err)
}
