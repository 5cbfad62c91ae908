// Package jobs exposes the scheduler-facing batch entry points. Each job
// returns a structured result, reports partial failures instead of aborting,
// and is idempotent under retry.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/retain/internal/clock"
	"github.com/smallbiznis/retain/internal/config"
	"github.com/smallbiznis/retain/internal/drift"
	eventdomain "github.com/smallbiznis/retain/internal/event/domain"
	"github.com/smallbiznis/retain/internal/feature/compute"
	featuredomain "github.com/smallbiznis/retain/internal/feature/domain"
	"github.com/smallbiznis/retain/internal/feature/validate"
	"github.com/smallbiznis/retain/internal/observability/metrics"
	"github.com/smallbiznis/retain/internal/registry"
	"github.com/smallbiznis/retain/internal/store/offline"
	"github.com/smallbiznis/retain/internal/store/online"
	"github.com/smallbiznis/retain/internal/syncer"
)

const retryMaxElapsed = 2 * time.Minute

// ComputationResult summarizes one daily computation pass.
type ComputationResult struct {
	AsOf           time.Time
	PartitionKey   string
	Computed       int
	LabelsAttached int
	Appended       int
	Rejected       []offline.RejectedRecord
	Failed         []compute.EntityFailure

	// Quality carries the data-quality report for the appended batch.
	Quality validate.Report
}

// Partial reports whether some entities failed while others succeeded.
func (r ComputationResult) Partial() bool {
	return len(r.Failed) > 0 || len(r.Rejected) > 0
}

// Params declares job runner dependencies.
type Params struct {
	fx.In

	Cfg       config.Config
	Holder    *config.PipelineConfigHolder
	Events    eventdomain.Repository
	Pool      *compute.Pool
	Offline   *offline.Store
	Syncer    *syncer.Syncer
	Detector  *drift.Detector
	Registry  *registry.Registry
	Validator *validate.Validator
	GenID     *snowflake.Node
	Clock     clock.Clock
	Log       *zap.Logger
	Metrics   *metrics.Metrics `optional:"true"`
}

// Runner executes the batch jobs the external scheduler triggers.
type Runner struct {
	cfg       config.Config
	holder    *config.PipelineConfigHolder
	events    eventdomain.Repository
	pool      *compute.Pool
	offline   *offline.Store
	syncer    *syncer.Syncer
	detector  *drift.Detector
	registry  *registry.Registry
	validator *validate.Validator
	genID     *snowflake.Node
	clock     clock.Clock
	log       *zap.Logger
	metrics   *metrics.Metrics

	retryElapsed time.Duration
}

func New(p Params) *Runner {
	return &Runner{
		cfg:       p.Cfg,
		holder:    p.Holder,
		events:    p.Events,
		pool:      p.Pool,
		offline:   p.Offline,
		syncer:    p.Syncer,
		detector:  p.Detector,
		registry:  p.Registry,
		validator: p.Validator,
		genID:     p.GenID,
		clock:     p.Clock,
		log:       p.Log.Named("jobs"),
		metrics:   p.Metrics,

		retryElapsed: retryMaxElapsed,
	}
}

// RunDailyComputation computes the configured feature set for every known
// entity at asOfDate and appends the vectors to the offline store. Labels
// ride along only when the horizon is observable. Entities that fail are
// enumerated in the result for targeted retry; appends use the non-overwrite
// path, so re-running the job for the same date rejects the already-written
// keys rather than mutating them.
func (r *Runner) RunDailyComputation(ctx context.Context, asOfDate time.Time) (*ComputationResult, error) {
	started := r.clock.Now()
	asOf := asOfDate.UTC()

	pipeline := r.holder.Get()
	features, err := r.registry.Set(pipeline.FeatureSet)
	if err != nil {
		return nil, err
	}

	var entityIDs []int64
	err = r.withRetry(ctx, "list entities", func() error {
		var listErr error
		entityIDs, listErr = r.events.ListUserIDs(ctx)
		return listErr
	})
	if err != nil {
		r.recordJob(ctx, "daily_computation", "failure", started)
		return nil, err
	}

	batch := r.pool.Run(ctx, compute.BatchRequest{
		EntityIDs:        entityIDs,
		AsOf:             asOf,
		FeatureNames:     features,
		SchemaVersion:    pipeline.SchemaVersion,
		LabelName:        registry.ChurnLabel,
		LabelHorizonDays: pipeline.LabelHorizonDays,
		Concurrency:      r.cfg.ComputeConcurrency,
	})

	result := &ComputationResult{
		AsOf:         asOf,
		PartitionKey: offline.PartitionKey(asOf),
		Computed:     len(batch.Results),
		Failed:       batch.Failed,
	}
	r.metrics.IncComputeFailures(ctx, int64(len(batch.Failed)))

	records := make([]offline.Record, 0, len(batch.Results))
	for _, res := range batch.Results {
		if res.Label != nil {
			result.LabelsAttached++
		}
		records = append(records, offline.NewRecord(r.genID.Generate(), res, registry.ChurnLabel))
	}

	var appendResult offline.AppendResult
	err = r.withRetry(ctx, "append offline records", func() error {
		var appendErr error
		appendResult, appendErr = r.offline.Append(ctx, records, false)
		return appendErr
	})
	if err != nil {
		r.recordJob(ctx, "daily_computation", "failure", started)
		return nil, err
	}

	result.Appended = appendResult.Appended
	result.Rejected = appendResult.Rejected
	r.metrics.IncRecordsAppended(ctx, int64(appendResult.Appended))
	r.metrics.IncRecordsRejected(ctx, int64(len(appendResult.Rejected)))

	result.Quality = r.validator.Validate(records)

	outcome := "success"
	if result.Partial() {
		outcome = "partial"
	}
	r.recordJob(ctx, "daily_computation", outcome, started)

	r.log.Info("daily computation finished",
		zap.Time("as_of", asOf),
		zap.Int("computed", result.Computed),
		zap.Int("labels_attached", result.LabelsAttached),
		zap.Int("appended", result.Appended),
		zap.Int("rejected", len(result.Rejected)),
		zap.Int("failed", len(result.Failed)),
		zap.Bool("quality_passed", result.Quality.Passed()),
	)
	return result, nil
}

// BackfillResult summarizes one label backfill pass.
type BackfillResult struct {
	HorizonDays    int
	Snapshots      int
	Recomputed     int
	LabelsAttached int
	Corrected      int
	Failed         []compute.EntityFailure
}

// RunLabelBackfill recomputes the stored label-less snapshots inside the
// range whose horizon has since become observable, and overwrites the rows
// so labels land. Late-arriving events are folded in by the same pass;
// overwritten rows carry CorrectedAt. Snapshots whose horizon is still open
// are left untouched for a later pass.
func (r *Runner) RunLabelBackfill(ctx context.Context, tr eventdomain.TimeRange) (*BackfillResult, error) {
	started := r.clock.Now()

	if err := tr.Validate(); err != nil {
		return nil, err
	}

	pipeline := r.holder.Get()
	features, err := r.registry.Set(pipeline.FeatureSet)
	if err != nil {
		return nil, err
	}
	horizon := pipeline.LabelHorizonDays
	if horizon <= 0 {
		spec, specErr := r.registry.Label(registry.ChurnLabel)
		if specErr != nil {
			return nil, specErr
		}
		horizon = spec.HorizonDays
	}

	var maxObserved time.Time
	err = r.withRetry(ctx, "max observed event time", func() error {
		var obsErr error
		maxObserved, obsErr = r.events.MaxObservedEventTime(ctx)
		return obsErr
	})
	if err != nil {
		r.recordJob(ctx, "label_backfill", "failure", started)
		return nil, err
	}

	var keys []offline.RecordKey
	err = r.withRetry(ctx, "list unlabeled snapshots", func() error {
		var listErr error
		keys, listErr = r.offline.UnlabeledKeys(ctx, tr)
		return listErr
	})
	if err != nil {
		r.recordJob(ctx, "label_backfill", "failure", started)
		return nil, err
	}

	grouped := make(map[time.Time][]int64)
	var snapshots []time.Time
	for _, key := range keys {
		asOf := key.AsOf.UTC()
		if _, seen := grouped[asOf]; !seen {
			snapshots = append(snapshots, asOf)
		}
		grouped[asOf] = append(grouped[asOf], key.EntityID)
	}

	result := &BackfillResult{HorizonDays: horizon}
	for _, asOf := range snapshots {
		if maxObserved.Before(asOf.AddDate(0, 0, horizon)) {
			// Horizon still open; recomputing now would rewrite the
			// row and still leave it label-less.
			continue
		}
		result.Snapshots++

		batch := r.pool.Run(ctx, compute.BatchRequest{
			EntityIDs:        grouped[asOf],
			AsOf:             asOf,
			FeatureNames:     features,
			SchemaVersion:    pipeline.SchemaVersion,
			LabelName:        registry.ChurnLabel,
			LabelHorizonDays: horizon,
			Concurrency:      r.cfg.ComputeConcurrency,
		})
		result.Failed = append(result.Failed, batch.Failed...)
		r.metrics.IncComputeFailures(ctx, int64(len(batch.Failed)))

		records := make([]offline.Record, 0, len(batch.Results))
		for _, res := range batch.Results {
			if res.Label != nil {
				result.LabelsAttached++
			}
			records = append(records, offline.NewRecord(r.genID.Generate(), res, registry.ChurnLabel))
		}

		var appendResult offline.AppendResult
		err = r.withRetry(ctx, "overwrite offline records", func() error {
			var appendErr error
			appendResult, appendErr = r.offline.Append(ctx, records, true)
			return appendErr
		})
		if err != nil {
			r.recordJob(ctx, "label_backfill", "failure", started)
			return nil, err
		}
		result.Recomputed += len(batch.Results)
		result.Corrected += appendResult.Corrected
	}

	outcome := "success"
	if len(result.Failed) > 0 {
		outcome = "partial"
	}
	r.recordJob(ctx, "label_backfill", outcome, started)

	r.log.Info("label backfill finished",
		zap.Int("snapshots", result.Snapshots),
		zap.Int("recomputed", result.Recomputed),
		zap.Int("labels_attached", result.LabelsAttached),
		zap.Int("corrected", result.Corrected),
		zap.Int("failed", len(result.Failed)),
	)
	return result, nil
}

// RunSync pushes the newest completed partition at or before asOfDate into
// the online store.
func (r *Runner) RunSync(ctx context.Context, asOfDate time.Time) (*syncer.Result, error) {
	started := r.clock.Now()

	var result *syncer.Result
	err := r.withRetry(ctx, "sync latest partition", func() error {
		var syncErr error
		result, syncErr = r.syncer.SyncLatest(ctx, asOfDate.UTC())
		return syncErr
	})
	if err != nil {
		r.recordJob(ctx, "sync", "failure", started)
		return nil, err
	}

	outcome := "success"
	if len(result.Failed) > 0 {
		outcome = "partial"
	}
	r.recordJob(ctx, "sync", outcome, started)
	return result, nil
}

// RunDriftCheck compares the two windows for every feature in the configured
// set and persists the verdicts under the candidate window's end date.
func (r *Runner) RunDriftCheck(ctx context.Context, reference, candidate eventdomain.TimeRange) ([]drift.Verdict, error) {
	started := r.clock.Now()

	if err := reference.Validate(); err != nil {
		return nil, err
	}
	if err := candidate.Validate(); err != nil {
		return nil, err
	}

	pipeline := r.holder.Get()
	features, err := r.registry.Set(pipeline.FeatureSet)
	if err != nil {
		return nil, err
	}

	var verdicts []drift.Verdict
	err = r.withRetry(ctx, "detect drift", func() error {
		var detectErr error
		verdicts, detectErr = r.detector.Detect(ctx, features, reference, candidate)
		return detectErr
	})
	if err != nil {
		r.recordJob(ctx, "drift_check", "failure", started)
		return nil, err
	}

	if err := r.detector.Persist(ctx, candidate.To, verdicts); err != nil {
		r.recordJob(ctx, "drift_check", "failure", started)
		return nil, err
	}

	r.recordJob(ctx, "drift_check", "success", started)
	return verdicts, nil
}

// TrainingExample pairs a persisted vector with its label.
type TrainingExample struct {
	Vector featuredomain.FeatureVector
	Label  featuredomain.Label
}

// TrainingIterator lazily streams labeled records out of the offline store.
type TrainingIterator struct {
	inner *offline.Iterator
}

// Next returns the next example, or (nil, nil) at exhaustion.
func (it *TrainingIterator) Next(ctx context.Context) (*TrainingExample, error) {
	for {
		record, err := it.inner.Next(ctx)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, nil
		}
		label := record.Label()
		if label == nil {
			continue
		}
		return &TrainingExample{Vector: record.Vector(), Label: *label}, nil
	}
}

// ExtractTrainingSet returns a lazy sequence of (vector, label) pairs drawn
// only from records carrying a label.
func (r *Runner) ExtractTrainingSet(tr eventdomain.TimeRange) (*TrainingIterator, error) {
	it, err := r.offline.ReadLabeled(tr)
	if err != nil {
		return nil, err
	}
	return &TrainingIterator{inner: it}, nil
}

// withRetry retries op with exponential backoff while it fails with a
// transient store or cache availability error. Anything else is permanent.
func (r *Runner) withRetry(ctx context.Context, what string, op func() error) error {
	cfg := backoff.NewExponentialBackOff()
	cfg.MaxElapsedTime = r.retryElapsed

	notify := func(err error, next time.Duration) {
		r.log.Warn("transient failure, retrying",
			zap.String("operation", what),
			zap.Duration("next_retry_in", next),
			zap.Error(err),
		)
	}

	wrapped := func() error {
		err := op()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, eventdomain.ErrStoreUnavailable),
			errors.Is(err, offline.ErrStoreUnavailable),
			errors.Is(err, online.ErrCacheUnavailable):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	return backoff.RetryNotify(wrapped, backoff.WithContext(cfg, ctx), notify)
}

func (r *Runner) recordJob(ctx context.Context, job, outcome string, started time.Time) {
	r.metrics.RecordJobRun(ctx, job, outcome, r.clock.Now().Sub(started))
}
