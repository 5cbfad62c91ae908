// Package syncer propagates the newest offline partition into the online
// store so serving reads converge on the latest computed batch.
package syncer

import (
	"context"
	"sort"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/retain/internal/observability/metrics"
	"github.com/smallbiznis/retain/internal/store/offline"
	"github.com/smallbiznis/retain/internal/store/online"
)

const syncBatchSize = 500

// EntityFailure reports an entity whose online write failed.
type EntityFailure struct {
	EntityID int64
	Err      error
}

// Result summarizes one sync run.
type Result struct {
	PartitionKey string
	Synced       int
	Failed       []EntityFailure
}

// Params declares syncer dependencies.
type Params struct {
	fx.In

	Offline *offline.Store
	Online  *online.Store
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

// Syncer copies offline partitions into the online cache.
type Syncer struct {
	offline *offline.Store
	online  *online.Store
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(p Params) *Syncer {
	return &Syncer{
		offline: p.Offline,
		online:  p.Online,
		log:     p.Log.Named("syncer"),
		metrics: p.Metrics,
	}
}

// SyncLatest pushes the newest partition at or before asOf into the online
// store. Re-running for the same partition is idempotent: every write
// replaces the entity's previous document. A per-entity write failure is
// reported and does not abort the run.
func (s *Syncer) SyncLatest(ctx context.Context, asOf time.Time) (*Result, error) {
	partitionKey, err := s.offline.LatestPartitionAt(ctx, asOf)
	if err != nil {
		return nil, err
	}
	if partitionKey == "" {
		s.log.Warn("no offline partition to sync", zap.Time("as_of", asOf))
		return &Result{}, nil
	}
	return s.SyncPartition(ctx, partitionKey)
}

// SyncPartition streams one partition into the online store in pipelined
// batches.
func (s *Syncer) SyncPartition(ctx context.Context, partitionKey string) (*Result, error) {
	result := &Result{PartitionKey: partitionKey}
	it := s.offline.ReadPartition(partitionKey)

	batch := make([]online.Entry, 0, syncBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		failed, err := s.online.BulkPut(ctx, batch)
		if err != nil {
			return err
		}
		result.Synced += len(batch) - len(failed)
		for entityID, writeErr := range failed {
			result.Failed = append(result.Failed, EntityFailure{EntityID: entityID, Err: writeErr})
		}
		batch = batch[:0]
		return nil
	}

	for {
		record, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if record == nil {
			break
		}
		batch = append(batch, online.Entry{
			Vector:    record.Vector(),
			Freshness: record.AsOf.UTC(),
		})
		if len(batch) >= syncBatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	sort.Slice(result.Failed, func(i, j int) bool {
		return result.Failed[i].EntityID < result.Failed[j].EntityID
	})

	s.metrics.IncEntitiesSynced(ctx, int64(result.Synced))
	s.metrics.IncSyncFailures(ctx, int64(len(result.Failed)))

	if len(result.Failed) > 0 {
		s.log.Warn("sync finished with failures",
			zap.String("partition", partitionKey),
			zap.Int("synced", result.Synced),
			zap.Int("failed", len(result.Failed)),
		)
	} else {
		s.log.Info("sync finished",
			zap.String("partition", partitionKey),
			zap.Int("synced", result.Synced),
		)
	}
	return result, nil
}

// Status reports cache health and size for operational checks.
type Status struct {
	Healthy bool
	Keys    int64
}

// Status pings the online store and counts cached records.
func (s *Syncer) Status(ctx context.Context) Status {
	if err := s.online.Healthy(ctx); err != nil {
		s.log.Warn("online store unhealthy", zap.Error(err))
		return Status{}
	}
	stats, err := s.online.Stats(ctx)
	if err != nil {
		s.log.Warn("online store stats unavailable", zap.Error(err))
		return Status{Healthy: true}
	}
	return Status{Healthy: true, Keys: stats.Keys}
}
