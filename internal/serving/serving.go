// Package serving answers per-entity feature lookups for online inference,
// reading the cache first and recomputing on a miss.
package serving

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/retain/internal/clock"
	"github.com/smallbiznis/retain/internal/config"
	featuredomain "github.com/smallbiznis/retain/internal/feature/domain"
	"github.com/smallbiznis/retain/internal/observability/metrics"
	"github.com/smallbiznis/retain/internal/registry"
	"github.com/smallbiznis/retain/internal/store/online"
)

// Result carries a served vector and where it came from.
type Result struct {
	Vector featuredomain.FeatureVector

	// Source is "online" for a cache hit, "computed" for a fallback.
	Source string

	// Stale marks a cache hit older than the configured staleness bound.
	Stale bool
}

// Params declares serving dependencies.
type Params struct {
	fx.In

	Online   *online.Store
	Compute  featuredomain.Service
	Registry *registry.Registry
	Holder   *config.PipelineConfigHolder
	Clock    clock.Clock
	Log      *zap.Logger
	Metrics  *metrics.Metrics `optional:"true"`
}

// Service is the serving boundary.
type Service struct {
	online   *online.Store
	compute  featuredomain.Service
	registry *registry.Registry
	holder   *config.PipelineConfigHolder
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func New(p Params) *Service {
	return &Service{
		online:   p.Online,
		compute:  p.Compute,
		registry: p.Registry,
		holder:   p.Holder,
		clock:    p.Clock,
		log:      p.Log.Named("serving"),
		metrics:  p.Metrics,
	}
}

// Get serves the entity's feature vector. A cache miss falls back to a
// synchronous computation at the current time and repopulates the cache.
// A cache outage also falls back to computation so inference keeps working,
// but skips the repopulating write.
func (s *Service) Get(ctx context.Context, entityID int64) (*Result, error) {
	record, err := s.online.Get(ctx, entityID)
	switch {
	case err == nil:
		s.metrics.RecordServingLookup(ctx, "online")
		return &Result{
			Vector: featuredomain.FeatureVector{
				EntityID:      record.EntityID,
				AsOf:          record.FreshnessTime,
				Values:        record.Values,
				SchemaVersion: record.SchemaVersion,
			},
			Source: "online",
			Stale:  s.online.IsStale(*record),
		}, nil
	case errors.Is(err, online.ErrNotFound):
		return s.computeFallback(ctx, entityID, true)
	case errors.Is(err, online.ErrCacheUnavailable):
		s.log.Warn("online store unavailable, computing synchronously",
			zap.Int64("entity_id", entityID),
			zap.Error(err),
		)
		return s.computeFallback(ctx, entityID, false)
	default:
		return nil, err
	}
}

func (s *Service) computeFallback(ctx context.Context, entityID int64, repopulate bool) (*Result, error) {
	cfg := s.holder.Get()
	features, err := s.registry.Set(cfg.FeatureSet)
	if err != nil {
		return nil, fmt.Errorf("resolve feature set: %w", err)
	}

	now := s.clock.Now()
	res, err := s.compute.Compute(ctx, featuredomain.ComputeRequest{
		EntityID:      entityID,
		AsOf:          now,
		FeatureNames:  features,
		SchemaVersion: cfg.SchemaVersion,
	})
	if err != nil {
		return nil, err
	}

	if repopulate {
		if err := s.online.Put(ctx, res.Vector, now); err != nil {
			s.log.Warn("failed to repopulate online store",
				zap.Int64("entity_id", entityID),
				zap.Error(err),
			)
		}
	}

	s.metrics.RecordServingLookup(ctx, "computed")
	return &Result{Vector: res.Vector, Source: "computed"}, nil
}
