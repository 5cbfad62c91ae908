package compute

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	eventdomain "github.com/smallbiznis/retain/internal/event/domain"
	eventrepo "github.com/smallbiznis/retain/internal/event/repository"
	featuredomain "github.com/smallbiznis/retain/internal/feature/domain"
	"github.com/smallbiznis/retain/internal/registry"
	dbpkg "github.com/smallbiznis/retain/pkg/db"
)

var baseDay = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time { return baseDay.AddDate(0, 0, n) }

func setupComputeTest(t *testing.T) (*gorm.DB, *snowflake.Node, featuredomain.Service) {
	t.Helper()

	dbConn, err := dbpkg.NewTest()
	require.NoError(t, err)
	require.NoError(t, dbConn.AutoMigrate(
		&eventdomain.User{},
		&eventdomain.ActivityEvent{},
		&eventdomain.BillingEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	repo := eventrepo.New(eventrepo.Params{DB: dbConn, Log: zap.NewNop()})
	svc := NewService(Params{
		Log:      zap.NewNop(),
		Events:   repo,
		Registry: registry.Builtin(),
	})
	return dbConn, node, svc
}

func seedUser(t *testing.T, dbConn *gorm.DB, id int64, tier eventdomain.PlanTier, signupAt time.Time) {
	t.Helper()
	require.NoError(t, dbConn.Create(&eventdomain.User{
		ID:       id,
		PlanTier: tier,
		SignupAt: signupAt,
		Country:  "US",
	}).Error)
}

func seedLogin(t *testing.T, dbConn *gorm.DB, node *snowflake.Node, userID int64, at time.Time, session string) {
	t.Helper()
	require.NoError(t, dbConn.Create(&eventdomain.ActivityEvent{
		ID:         node.Generate(),
		UserID:     userID,
		Kind:       eventdomain.ActivityLogin,
		OccurredAt: at,
		SessionID:  &session,
	}).Error)
}

func seedCharge(t *testing.T, dbConn *gorm.DB, node *snowflake.Node, userID int64, at time.Time, amount float64, status eventdomain.BillingStatus) {
	t.Helper()
	require.NoError(t, dbConn.Create(&eventdomain.BillingEvent{
		ID:         node.Generate(),
		UserID:     userID,
		Amount:     amount,
		Status:     status,
		OccurredAt: at,
	}).Error)
}

func TestComputeScenarioEntity42(t *testing.T) {
	dbConn, node, svc := setupComputeTest(t)

	seedUser(t, dbConn, 42, eventdomain.PlanPro, day(0))
	seedLogin(t, dbConn, node, 42, day(5), "s1")
	seedCharge(t, dbConn, node, 42, day(10), 25, eventdomain.BillingFailed)

	res, err := svc.Compute(context.Background(), featuredomain.ComputeRequest{
		EntityID:      42,
		AsOf:          day(15),
		FeatureNames:  registry.Builtin().FeatureNames(),
		SchemaVersion: 1,
	})
	require.NoError(t, err)

	values := res.Vector.Values
	assert.Equal(t, float64(10), values["days_since_last_login"])
	assert.Equal(t, float64(1), values["failed_payments_30d"])
	assert.Equal(t, float64(1), values["sessions_30d"])
	assert.Equal(t, float64(1), values["events_30d"])
	// The login at day 5 is outside the 7-day window ending at day 15.
	assert.Equal(t, float64(0), values["avg_sessions_7d"])
	assert.Equal(t, float64(0), values["total_spend_90d"])
	assert.Equal(t, float64(0), values["refunds_30d"])
	assert.Equal(t, float64(1), values["is_pro_plan"])
	assert.Equal(t, float64(1), values["is_paid_plan"])
	assert.Equal(t, float64(15), values["days_since_signup"])
}

func TestComputeBeforeAnyActivity(t *testing.T) {
	dbConn, node, svc := setupComputeTest(t)

	seedUser(t, dbConn, 42, eventdomain.PlanFree, day(0))
	seedLogin(t, dbConn, node, 42, day(5), "s1")

	res, err := svc.Compute(context.Background(), featuredomain.ComputeRequest{
		EntityID:      42,
		AsOf:          day(4),
		FeatureNames:  registry.Builtin().FeatureNames(),
		SchemaVersion: 1,
	})
	require.NoError(t, err)

	values := res.Vector.Values
	assert.Equal(t, float64(registry.NoHistorySentinel), values["days_since_last_login"])
	assert.Equal(t, float64(0), values["sessions_30d"])
	assert.Equal(t, float64(0), values["events_30d"])
	assert.Equal(t, float64(0), values["is_paid_plan"])
}

func TestComputeIgnoresFutureEvents(t *testing.T) {
	dbConn, node, svc := setupComputeTest(t)

	seedUser(t, dbConn, 42, eventdomain.PlanBasic, day(0))
	seedLogin(t, dbConn, node, 42, day(5), "s1")

	req := featuredomain.ComputeRequest{
		EntityID:      42,
		AsOf:          day(15),
		FeatureNames:  registry.Builtin().FeatureNames(),
		SchemaVersion: 1,
	}
	before, err := svc.Compute(context.Background(), req)
	require.NoError(t, err)

	// An event one second after the as-of time must change nothing.
	seedLogin(t, dbConn, node, 42, day(15).Add(time.Second), "s2")
	seedCharge(t, dbConn, node, 42, day(16), 99, eventdomain.BillingSucceeded)

	after, err := svc.Compute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, before.Vector.Values, after.Vector.Values)
}

func TestComputeIdempotent(t *testing.T) {
	dbConn, node, svc := setupComputeTest(t)

	seedUser(t, dbConn, 42, eventdomain.PlanPro, day(0))
	seedLogin(t, dbConn, node, 42, day(5), "s1")
	seedCharge(t, dbConn, node, 42, day(3), 10, eventdomain.BillingSucceeded)

	req := featuredomain.ComputeRequest{
		EntityID:      42,
		AsOf:          day(15),
		FeatureNames:  registry.Builtin().FeatureNames(),
		SchemaVersion: 1,
	}
	first, err := svc.Compute(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Compute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Vector, second.Vector)
}

func TestComputeLabelObservable(t *testing.T) {
	dbConn, node, svc := setupComputeTest(t)

	seedUser(t, dbConn, 42, eventdomain.PlanBasic, day(0))
	seedLogin(t, dbConn, node, 42, day(5), "s1")
	// Another user's event pushes the snapshot's max observed time past
	// the horizon end so the label becomes observable.
	seedUser(t, dbConn, 7, eventdomain.PlanFree, day(0))
	seedLogin(t, dbConn, node, 7, day(46), "x1")

	res, err := svc.Compute(context.Background(), featuredomain.ComputeRequest{
		EntityID:      42,
		AsOf:          day(15),
		FeatureNames:  []string{"events_30d"},
		SchemaVersion: 1,
		LabelName:     registry.ChurnLabel,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Label)
	assert.True(t, res.Label.Churned)
	assert.Equal(t, 30, res.Label.HorizonDays)
}

func TestComputeLabelWindowExcludesEventsPastHorizon(t *testing.T) {
	dbConn, node, svc := setupComputeTest(t)

	seedUser(t, dbConn, 42, eventdomain.PlanBasic, day(0))
	seedUser(t, dbConn, 7, eventdomain.PlanFree, day(0))
	seedLogin(t, dbConn, node, 7, day(50), "x1")

	req := featuredomain.ComputeRequest{
		EntityID:      42,
		AsOf:          day(15),
		FeatureNames:  []string{"events_30d"},
		SchemaVersion: 1,
		LabelName:     registry.ChurnLabel,
	}
	before, err := svc.Compute(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, before.Label)
	assert.True(t, before.Label.Churned)

	// Activity just past the horizon end must not flip the label.
	seedLogin(t, dbConn, node, 42, day(45).Add(time.Second), "s9")
	after, err := svc.Compute(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, after.Label)
	assert.True(t, after.Label.Churned)

	// Activity inside (as_of, as_of+30d] does.
	seedLogin(t, dbConn, node, 42, day(20), "s10")
	flipped, err := svc.Compute(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, flipped.Label)
	assert.False(t, flipped.Label.Churned)
}

func TestComputeLabelNotObservable(t *testing.T) {
	dbConn, node, svc := setupComputeTest(t)

	seedUser(t, dbConn, 42, eventdomain.PlanBasic, day(0))
	// Max observed event time is day 25, well short of day 15 + 30.
	seedLogin(t, dbConn, node, 42, day(25), "s1")

	res, err := svc.Compute(context.Background(), featuredomain.ComputeRequest{
		EntityID:      42,
		AsOf:          day(15),
		FeatureNames:  []string{"events_30d"},
		SchemaVersion: 1,
		LabelName:     registry.ChurnLabel,
	})
	require.NoError(t, err)
	assert.Nil(t, res.Label)
}

// A request-level horizon override shrinks the label window: the same
// snapshot that is unobservable under the spec's 30 days closes at day 25
// under a 10-day horizon.
func TestComputeLabelHorizonOverride(t *testing.T) {
	dbConn, node, svc := setupComputeTest(t)

	seedUser(t, dbConn, 42, eventdomain.PlanBasic, day(0))
	seedLogin(t, dbConn, node, 42, day(25), "s1")

	res, err := svc.Compute(context.Background(), featuredomain.ComputeRequest{
		EntityID:         42,
		AsOf:             day(15),
		FeatureNames:     []string{"events_30d"},
		SchemaVersion:    1,
		LabelName:        registry.ChurnLabel,
		LabelHorizonDays: 10,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Label)
	assert.Equal(t, 10, res.Label.HorizonDays)
	// The day-25 login sits inside (day 15, day 25], so no churn.
	assert.False(t, res.Label.Churned)
}

func TestComputeInputValidation(t *testing.T) {
	dbConn, _, svc := setupComputeTest(t)
	seedUser(t, dbConn, 42, eventdomain.PlanFree, day(0))

	_, err := svc.Compute(context.Background(), featuredomain.ComputeRequest{
		EntityID:     42,
		FeatureNames: []string{"events_30d"},
	})
	assert.ErrorIs(t, err, featuredomain.ErrInvalidAsOf)

	_, err = svc.Compute(context.Background(), featuredomain.ComputeRequest{
		EntityID: 42,
		AsOf:     day(1),
	})
	assert.ErrorIs(t, err, featuredomain.ErrNoFeaturesRequested)

	_, err = svc.Compute(context.Background(), featuredomain.ComputeRequest{
		EntityID:     999,
		AsOf:         day(1),
		FeatureNames: []string{"events_30d"},
	})
	assert.ErrorIs(t, err, eventdomain.ErrUnknownEntity)
}

func TestPoolReportsPerEntityFailures(t *testing.T) {
	dbConn, node, svc := setupComputeTest(t)

	seedUser(t, dbConn, 1, eventdomain.PlanFree, day(0))
	seedUser(t, dbConn, 2, eventdomain.PlanPro, day(0))
	seedLogin(t, dbConn, node, 1, day(2), "a")

	pool := NewPool(svc, zap.NewNop())
	result := pool.Run(context.Background(), BatchRequest{
		EntityIDs:     []int64{1, 2, 999},
		AsOf:          day(10),
		FeatureNames:  []string{"events_30d", "is_pro_plan"},
		SchemaVersion: 1,
		Concurrency:   2,
	})

	require.Len(t, result.Results, 2)
	assert.Equal(t, int64(1), result.Results[0].Vector.EntityID)
	assert.Equal(t, int64(2), result.Results[1].Vector.EntityID)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, int64(999), result.Failed[0].EntityID)
	assert.ErrorIs(t, result.Failed[0].Err, eventdomain.ErrUnknownEntity)
}
