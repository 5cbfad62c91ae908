package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/smallbiznis/retain/internal/clock"
	"github.com/smallbiznis/retain/internal/config"
	"github.com/smallbiznis/retain/internal/store/offline"
	"github.com/smallbiznis/retain/internal/store/online"
	dbpkg "github.com/smallbiznis/retain/pkg/db"
)

var baseDay = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

func setupSyncer(t *testing.T) (*Syncer, *offline.Store, *online.Store, *miniredis.Miniredis) {
	t.Helper()

	dbConn, err := dbpkg.NewTest()
	require.NoError(t, err)
	require.NoError(t, dbConn.AutoMigrate(&offline.Record{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	offlineStore := offline.NewStore(offline.Params{DB: dbConn, GenID: node, Log: zap.NewNop()})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	onlineStore := online.New(online.Params{
		Client: client,
		Cfg: config.Config{
			OnlineTTLSeconds:       86400,
			OnlineStalenessSeconds: 172800,
		},
		Clock: clock.NewFakeClock(baseDay),
		Log:   zap.NewNop(),
	})

	s := New(Params{Offline: offlineStore, Online: onlineStore, Log: zap.NewNop()})
	return s, offlineStore, onlineStore, mr
}

func seedPartition(t *testing.T, store *offline.Store, asOf time.Time, entityIDs ...int64) {
	t.Helper()

	batch := make([]offline.Record, 0, len(entityIDs))
	for _, id := range entityIDs {
		batch = append(batch, offline.Record{
			EntityID:      id,
			AsOf:          asOf,
			PartitionKey:  offline.PartitionKey(asOf),
			Values:        datatypes.JSONMap{"events_30d": float64(id)},
			SchemaVersion: 1,
		})
	}
	res, err := store.Append(context.Background(), batch, false)
	require.NoError(t, err)
	require.Empty(t, res.Rejected)
}

func TestSyncLatestConverges(t *testing.T) {
	s, offlineStore, onlineStore, _ := setupSyncer(t)
	ctx := context.Background()

	seedPartition(t, offlineStore, baseDay, 1, 2, 3)

	result, err := s.SyncLatest(ctx, baseDay.Add(6*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, offline.PartitionKey(baseDay), result.PartitionKey)
	assert.Equal(t, 3, result.Synced)
	assert.Empty(t, result.Failed)

	// Every offline record in the partition is readable online with
	// identical values.
	for _, id := range []int64{1, 2, 3} {
		record, err := onlineStore.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, float64(id), record.Values["events_30d"])
		assert.True(t, record.FreshnessTime.Equal(baseDay))
	}
}

func TestSyncPicksNewestCompletedPartition(t *testing.T) {
	s, offlineStore, onlineStore, _ := setupSyncer(t)
	ctx := context.Background()

	older := baseDay.AddDate(0, 0, -2)
	seedPartition(t, offlineStore, older, 1)
	seedPartition(t, offlineStore, baseDay, 2)

	// As-of before the newest partition selects the older one.
	result, err := s.SyncLatest(ctx, baseDay.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Equal(t, offline.PartitionKey(older), result.PartitionKey)
	assert.Equal(t, 1, result.Synced)

	_, err = onlineStore.Get(ctx, 2)
	assert.ErrorIs(t, err, online.ErrNotFound)
}

func TestSyncIdempotent(t *testing.T) {
	s, offlineStore, onlineStore, _ := setupSyncer(t)
	ctx := context.Background()

	seedPartition(t, offlineStore, baseDay, 1, 2)

	first, err := s.SyncLatest(ctx, baseDay)
	require.NoError(t, err)
	second, err := s.SyncLatest(ctx, baseDay)
	require.NoError(t, err)
	assert.Equal(t, first.Synced, second.Synced)

	record, err := onlineStore.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, record.Values["events_30d"])
}

func TestSyncWithEmptyStore(t *testing.T) {
	s, _, _, _ := setupSyncer(t)

	result, err := s.SyncLatest(context.Background(), baseDay)
	require.NoError(t, err)
	assert.Empty(t, result.PartitionKey)
	assert.Zero(t, result.Synced)
}

func TestSyncSurfacesCacheOutage(t *testing.T) {
	s, offlineStore, _, mr := setupSyncer(t)
	ctx := context.Background()

	seedPartition(t, offlineStore, baseDay, 1)
	mr.Close()

	_, err := s.SyncLatest(ctx, baseDay)
	assert.ErrorIs(t, err, online.ErrCacheUnavailable)
}

func TestStatusReportsCacheState(t *testing.T) {
	s, offlineStore, _, mr := setupSyncer(t)
	ctx := context.Background()

	seedPartition(t, offlineStore, baseDay, 1, 2)
	_, err := s.SyncLatest(ctx, baseDay)
	require.NoError(t, err)

	status := s.Status(ctx)
	assert.True(t, status.Healthy)
	assert.Equal(t, int64(2), status.Keys)

	mr.Close()
	status = s.Status(ctx)
	assert.False(t, status.Healthy)
}
