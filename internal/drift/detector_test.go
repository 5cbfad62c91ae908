package drift

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/smallbiznis/retain/internal/clock"
	"github.com/smallbiznis/retain/internal/config"
	eventdomain "github.com/smallbiznis/retain/internal/event/domain"
	"github.com/smallbiznis/retain/internal/store/offline"
	dbpkg "github.com/smallbiznis/retain/pkg/db"
)

var (
	refStart  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	refEnd    = refStart.AddDate(0, 0, 30)
	candEnd   = refEnd.AddDate(0, 0, 7)
	refRange  = eventdomain.TimeRange{From: refStart, To: refEnd}
	candRange = eventdomain.TimeRange{From: refEnd, To: candEnd}
)

func setupDetector(t *testing.T, cfg config.DriftConfig) (*Detector, *offline.Store, *gorm.DB) {
	t.Helper()

	dbConn, err := dbpkg.NewTest()
	require.NoError(t, err)
	require.NoError(t, dbConn.AutoMigrate(&offline.Record{}, &VerdictRecord{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	offlineStore := offline.NewStore(offline.Params{DB: dbConn, GenID: node, Log: zap.NewNop()})

	holder, err := config.NewStaticPipelineConfigHolder(config.PipelineConfig{
		FeatureSet:       "extended",
		LabelHorizonDays: 30,
		SchemaVersion:    1,
		Drift:            cfg,
	})
	require.NoError(t, err)

	detector := New(Params{
		Offline: offlineStore,
		Holder:  holder,
		DB:      dbConn,
		GenID:   node,
		Clock:   clock.NewFakeClock(candEnd),
		Log:     zap.NewNop(),
	})
	return detector, offlineStore, dbConn
}

func defaultDriftConfig() config.DriftConfig {
	return config.DriftConfig{
		PSIThreshold:    0.2,
		PValueThreshold: 0.05,
		MinSamples:      30,
		Bins:            10,
	}
}

// seedWindow writes one record per value, spread one hour apart inside the
// window so every record lands strictly inside (from, to].
func seedWindow(t *testing.T, store *offline.Store, tr eventdomain.TimeRange, feature string, values []float64) {
	t.Helper()

	batch := make([]offline.Record, 0, len(values))
	for i, value := range values {
		asOf := tr.To.Add(-time.Duration(i+1) * time.Hour)
		batch = append(batch, offline.Record{
			EntityID:      int64(i + 1),
			AsOf:          asOf,
			PartitionKey:  offline.PartitionKey(asOf),
			Values:        datatypes.JSONMap{feature: value},
			SchemaVersion: 1,
		})
	}
	res, err := store.Append(context.Background(), batch, false)
	require.NoError(t, err)
	require.Empty(t, res.Rejected)
}

func noisySeries(n int, mean float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := range out {
		out[i] = mean + rng.NormFloat64()
	}
	return out
}

func TestDetectNoDrift(t *testing.T) {
	detector, store, _ := setupDetector(t, defaultDriftConfig())

	series := noisySeries(60, 10, 1)
	seedWindow(t, store, refRange, "events_30d", series)
	seedWindow(t, store, candRange, "events_30d", series)

	verdicts, err := detector.Detect(context.Background(), []string{"events_30d"}, refRange, candRange)
	require.NoError(t, err)
	require.Len(t, verdicts, 1)

	v := verdicts[0]
	assert.Equal(t, KindStatistical, v.Kind)
	assert.False(t, v.Triggered)
	assert.InDelta(t, 0, v.Statistic, 0.01)
	assert.InDelta(t, 1, v.PValue, 1e-9)
}

func TestDetectMeanShift(t *testing.T) {
	detector, store, _ := setupDetector(t, defaultDriftConfig())

	seedWindow(t, store, refRange, "total_spend_90d", noisySeries(60, 10, 1))
	seedWindow(t, store, candRange, "total_spend_90d", noisySeries(60, 50, 2))

	verdicts, err := detector.Detect(context.Background(), []string{"total_spend_90d"}, refRange, candRange)
	require.NoError(t, err)
	require.Len(t, verdicts, 1)

	v := verdicts[0]
	assert.Equal(t, KindStatistical, v.Kind)
	assert.True(t, v.Triggered)
	assert.Greater(t, v.Statistic, 0.2)
	assert.Less(t, v.PValue, 0.05)
}

func TestDetectSchemaDrift(t *testing.T) {
	detector, store, _ := setupDetector(t, defaultDriftConfig())

	seedWindow(t, store, refRange, "events_30d", noisySeries(40, 10, 1))
	seedWindow(t, store, candRange, "new_feature", noisySeries(40, 10, 2))

	verdicts, err := detector.Detect(context.Background(),
		[]string{"events_30d", "new_feature"}, refRange, candRange)
	require.NoError(t, err)
	require.Len(t, verdicts, 2)

	// Sorted by feature name; both directions are schema drift.
	assert.Equal(t, "events_30d", verdicts[0].FeatureName)
	assert.Equal(t, KindSchemaDrift, verdicts[0].Kind)
	assert.True(t, verdicts[0].Triggered)
	assert.Equal(t, "new_feature", verdicts[1].FeatureName)
	assert.Equal(t, KindSchemaDrift, verdicts[1].Kind)
	assert.True(t, verdicts[1].Triggered)
}

func TestDetectInsufficientData(t *testing.T) {
	detector, store, _ := setupDetector(t, defaultDriftConfig())

	seedWindow(t, store, refRange, "events_30d", noisySeries(40, 10, 1))
	seedWindow(t, store, candRange, "events_30d", noisySeries(5, 10, 2))

	verdicts, err := detector.Detect(context.Background(), []string{"events_30d"}, refRange, candRange)
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	assert.Equal(t, KindInsufficientData, verdicts[0].Kind)
	assert.False(t, verdicts[0].Triggered)
	assert.Equal(t, 5, verdicts[0].CandidateSamples)
}

func TestDetectBothWindowsEmpty(t *testing.T) {
	detector, _, _ := setupDetector(t, defaultDriftConfig())

	verdicts, err := detector.Detect(context.Background(), []string{"events_30d"}, refRange, candRange)
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	assert.Equal(t, KindInsufficientData, verdicts[0].Kind)
	assert.False(t, verdicts[0].Triggered)
}

// A statistic exactly at its threshold must not trigger; only strictly
// exceeding it does.
func TestThresholdBoundaryIsExclusive(t *testing.T) {
	ref := noisySeries(60, 10, 1)
	cand := noisySeries(60, 11, 2)
	observed := psi(ref, cand, 10)
	require.Greater(t, observed, 0.0)

	cfg := defaultDriftConfig()
	// Disable the t-test so only the PSI comparison decides.
	cfg.PValueThreshold = 0
	cfg.FeaturePSI = map[string]float64{"events_30d": observed}

	detector, store, _ := setupDetector(t, cfg)
	seedWindow(t, store, refRange, "events_30d", ref)
	seedWindow(t, store, candRange, "events_30d", cand)

	verdicts, err := detector.Detect(context.Background(), []string{"events_30d"}, refRange, candRange)
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	assert.Equal(t, observed, verdicts[0].Statistic)
	assert.False(t, verdicts[0].Triggered)

	// Nudge the threshold just below the statistic and it triggers.
	cfg.FeaturePSI = map[string]float64{"events_30d": observed - 1e-12}
	detector2, store2, _ := setupDetector(t, cfg)
	seedWindow(t, store2, refRange, "events_30d", ref)
	seedWindow(t, store2, candRange, "events_30d", cand)

	verdicts, err = detector2.Detect(context.Background(), []string{"events_30d"}, refRange, candRange)
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Triggered)
}

func TestPerFeatureThresholdOverride(t *testing.T) {
	cfg := defaultDriftConfig()
	cfg.FeaturePSI = map[string]float64{"events_30d": 99}
	cfg.PValueThreshold = 0

	detector, store, _ := setupDetector(t, cfg)
	seedWindow(t, store, refRange, "events_30d", noisySeries(60, 10, 1))
	seedWindow(t, store, candRange, "events_30d", noisySeries(60, 500, 2))

	verdicts, err := detector.Detect(context.Background(), []string{"events_30d"}, refRange, candRange)
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	assert.Equal(t, 99.0, verdicts[0].PSIThreshold)
	assert.False(t, verdicts[0].Triggered)
}

func TestPersistIsIdempotent(t *testing.T) {
	detector, _, dbConn := setupDetector(t, defaultDriftConfig())
	ctx := context.Background()

	verdicts := []Verdict{
		{FeatureName: "events_30d", Kind: KindStatistical, Statistic: 0.1, PValue: 0.5, ComputedAt: candEnd},
		{FeatureName: "total_spend_90d", Kind: KindStatistical, Statistic: 0.4, PValue: 0.01, Triggered: true, ComputedAt: candEnd},
	}
	require.NoError(t, detector.Persist(ctx, candEnd, verdicts))

	verdicts[0].Statistic = 0.15
	require.NoError(t, detector.Persist(ctx, candEnd, verdicts))

	var count int64
	require.NoError(t, dbConn.Model(&VerdictRecord{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	stored, err := detector.Verdicts(ctx, candEnd)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "events_30d", stored[0].FeatureName)
	assert.Equal(t, 0.15, stored[0].Statistic)
	assert.True(t, stored[1].Triggered)
}
