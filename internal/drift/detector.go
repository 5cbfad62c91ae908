package drift

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/smallbiznis/retain/internal/clock"
	"github.com/smallbiznis/retain/internal/config"
	eventdomain "github.com/smallbiznis/retain/internal/event/domain"
	"github.com/smallbiznis/retain/internal/observability/metrics"
	"github.com/smallbiznis/retain/internal/store/offline"
)

// Params declares detector dependencies.
type Params struct {
	fx.In

	Offline *offline.Store
	Holder  *config.PipelineConfigHolder
	DB      *gorm.DB
	GenID   *snowflake.Node
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

// Detector runs distributional comparisons between offline store windows.
type Detector struct {
	offline *offline.Store
	holder  *config.PipelineConfigHolder
	db      *gorm.DB
	genID   *snowflake.Node
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(p Params) *Detector {
	return &Detector{
		offline: p.Offline,
		holder:  p.Holder,
		db:      p.DB,
		genID:   p.GenID,
		clock:   p.Clock,
		log:     p.Log.Named("drift"),
		metrics: p.Metrics,
	}
}

// windowSample holds one window's values grouped by feature name.
type windowSample struct {
	values map[string][]float64
}

func (w windowSample) has(feature string) bool {
	return len(w.values[feature]) > 0
}

// Detect compares reference and candidate windows for every named feature
// and returns one verdict per feature, sorted by feature name. A feature
// that cannot be tested never blocks the others, and every triggered
// feature is reported: callers need the full picture, not the first hit.
func (d *Detector) Detect(ctx context.Context, featureNames []string, reference, candidate eventdomain.TimeRange) ([]Verdict, error) {
	if len(featureNames) == 0 {
		return nil, nil
	}

	ref, err := d.loadWindow(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("load reference window: %w", err)
	}
	cand, err := d.loadWindow(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("load candidate window: %w", err)
	}

	cfg := d.holder.Get().Drift
	now := d.clock.Now()

	names := append([]string(nil), featureNames...)
	sort.Strings(names)

	verdicts := make([]Verdict, 0, len(names))
	for _, name := range names {
		verdict := d.judge(name, ref, cand, cfg, now)
		d.metrics.RecordDriftVerdict(ctx, string(verdict.Kind), verdict.Triggered)
		if verdict.Triggered {
			d.log.Warn("drift detected",
				zap.String("feature", name),
				zap.String("kind", string(verdict.Kind)),
				zap.Float64("psi", verdict.Statistic),
				zap.Float64("p_value", verdict.PValue),
			)
		}
		verdicts = append(verdicts, verdict)
	}
	return verdicts, nil
}

func (d *Detector) judge(name string, ref, cand windowSample, cfg config.DriftConfig, now time.Time) Verdict {
	refVals := ref.values[name]
	candVals := cand.values[name]

	verdict := Verdict{
		FeatureName:      name,
		PSIThreshold:     psiThresholdFor(name, cfg),
		PValueThreshold:  cfg.PValueThreshold,
		ReferenceSamples: len(refVals),
		CandidateSamples: len(candVals),
		ComputedAt:       now,
	}

	switch {
	case ref.has(name) != cand.has(name):
		verdict.Kind = KindSchemaDrift
		verdict.Triggered = true
	case len(refVals) < cfg.MinSamples || len(candVals) < cfg.MinSamples:
		verdict.Kind = KindInsufficientData
	default:
		verdict.Kind = KindStatistical
		verdict.Statistic = psi(refVals, candVals, cfg.Bins)
		_, verdict.PValue = welchTTest(refVals, candVals)
		// Strict comparisons on both tests: a statistic exactly at its
		// threshold does not trigger.
		verdict.Triggered = verdict.Statistic > verdict.PSIThreshold ||
			verdict.PValue < cfg.PValueThreshold
	}
	return verdict
}

func (d *Detector) loadWindow(ctx context.Context, tr eventdomain.TimeRange) (windowSample, error) {
	sample := windowSample{values: make(map[string][]float64)}

	it, err := d.offline.Read(nil, tr)
	if err != nil {
		return sample, err
	}
	for {
		record, err := it.Next(ctx)
		if err != nil {
			return sample, err
		}
		if record == nil {
			return sample, nil
		}
		for name, value := range record.Vector().Values {
			sample.values[name] = append(sample.values[name], value)
		}
	}
}

// Persist stores verdicts under checkDate, replacing any earlier run for
// the same date so retried checks stay idempotent.
func (d *Detector) Persist(ctx context.Context, checkDate time.Time, verdicts []Verdict) error {
	if len(verdicts) == 0 {
		return nil
	}

	key := checkDate.UTC().Format("2006-01-02")
	records := make([]VerdictRecord, len(verdicts))
	for i, verdict := range verdicts {
		records[i] = newVerdictRecord(d.genID.Generate(), key, verdict)
	}

	err := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "check_date"}, {Name: "feature_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"kind", "statistic", "p_value", "psi_threshold", "p_value_threshold",
				"triggered", "reference_samples", "candidate_samples", "computed_at",
			}),
		}).
		Create(&records).Error
	if err != nil {
		return fmt.Errorf("persist drift verdicts: %w", err)
	}
	return nil
}

// Verdicts returns the persisted verdicts for one check date, ordered by
// feature name.
func (d *Detector) Verdicts(ctx context.Context, checkDate time.Time) ([]VerdictRecord, error) {
	var records []VerdictRecord
	err := d.db.WithContext(ctx).
		Where("check_date = ?", checkDate.UTC().Format("2006-01-02")).
		Order("feature_name ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func psiThresholdFor(name string, cfg config.DriftConfig) float64 {
	if threshold, ok := cfg.FeaturePSI[name]; ok {
		return threshold
	}
	return cfg.PSIThreshold
}
