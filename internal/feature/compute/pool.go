package compute

import (
	"context"
	"sort"
	"sync"
	"time"

	featuredomain "github.com/smallbiznis/retain/internal/feature/domain"
	"go.uber.org/zap"
)

const defaultConcurrency = 8

// BatchRequest fans one computation pass out over many entities. Entity
// computations are independent, so the pool runs them concurrently up to
// Concurrency workers to respect the raw event store's query capacity.
type BatchRequest struct {
	EntityIDs        []int64
	AsOf             time.Time
	FeatureNames     []string
	SchemaVersion    int
	LabelName        string
	LabelHorizonDays int
	Concurrency      int
}

type EntityFailure struct {
	EntityID int64
	Err      error
}

// BatchResult enumerates successes and per-entity failures; one entity
// failing never aborts the rest of the batch.
type BatchResult struct {
	Results []*featuredomain.ComputeResult
	Failed  []EntityFailure
}

// Pool drives per-entity computations through a bounded worker set.
type Pool struct {
	svc featuredomain.Service
	log *zap.Logger
}

func NewPool(svc featuredomain.Service, log *zap.Logger) *Pool {
	return &Pool{
		svc: svc,
		log: log.Named("feature.pool"),
	}
}

// Run computes a vector for every entity in the request. Cancellation stops
// admission of new entities; in-flight computations run to completion and
// unadmitted entities are reported as failed with the context error so the
// caller can retry exactly those keys.
func (p *Pool) Run(ctx context.Context, req BatchRequest) BatchResult {
	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if concurrency > len(req.EntityIDs) && len(req.EntityIDs) > 0 {
		concurrency = len(req.EntityIDs)
	}

	jobs := make(chan int64)
	var (
		mu      sync.Mutex
		results []*featuredomain.ComputeResult
		failed  []EntityFailure
		wg      sync.WaitGroup
	)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entityID := range jobs {
				res, err := p.svc.Compute(ctx, featuredomain.ComputeRequest{
					EntityID:         entityID,
					AsOf:             req.AsOf,
					FeatureNames:     req.FeatureNames,
					SchemaVersion:    req.SchemaVersion,
					LabelName:        req.LabelName,
					LabelHorizonDays: req.LabelHorizonDays,
				})

				mu.Lock()
				if err != nil {
					failed = append(failed, EntityFailure{EntityID: entityID, Err: err})
				} else {
					results = append(results, res)
				}
				mu.Unlock()
			}
		}()
	}

admission:
	for i, entityID := range req.EntityIDs {
		select {
		case <-ctx.Done():
			// Unadmitted entities are reported, not silently dropped.
			mu.Lock()
			for _, rest := range req.EntityIDs[i:] {
				failed = append(failed, EntityFailure{EntityID: rest, Err: ctx.Err()})
			}
			mu.Unlock()
			break admission
		case jobs <- entityID:
		}
	}
	close(jobs)
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Vector.EntityID < results[j].Vector.EntityID })
	sort.Slice(failed, func(i, j int) bool { return failed[i].EntityID < failed[j].EntityID })

	if len(failed) > 0 {
		p.log.Warn("batch computation finished with failures",
			zap.Int("computed", len(results)),
			zap.Int("failed", len(failed)),
		)
	}
	return BatchResult{Results: results, Failed: failed}
}
