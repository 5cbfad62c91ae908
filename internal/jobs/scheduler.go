package jobs

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/retain/internal/clock"
	eventdomain "github.com/smallbiznis/retain/internal/event/domain"
)

// SchedulerConfig tunes the daemon loop. Zero values fall back to defaults.
type SchedulerConfig struct {
	RunInterval time.Duration
	JobTimeout  time.Duration

	// DriftReferenceDays and DriftCandidateDays size the two offline
	// windows compared by the drift check. The candidate window ends at
	// the day being processed; the reference window ends where the
	// candidate begins.
	DriftReferenceDays int
	DriftCandidateDays int

	// DisabledJobs names pipeline stages to skip ("computation",
	// "backfill", "sync", "drift").
	DisabledJobs []string
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.RunInterval <= 0 {
		c.RunInterval = time.Hour
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
	if c.DriftReferenceDays <= 0 {
		c.DriftReferenceDays = 30
	}
	if c.DriftCandidateDays <= 0 {
		c.DriftCandidateDays = 7
	}
	return c
}

// SchedulerParams declares scheduler dependencies.
type SchedulerParams struct {
	fx.In

	Runner *Runner
	Clock  clock.Clock
	Log    *zap.Logger
	Config SchedulerConfig `optional:"true"`
}

// Scheduler drives the daily pipeline when no external workflow engine
// triggers the job entry points. Each pass processes at most one UTC day:
// computation, label backfill, sync, then the drift check.
type Scheduler struct {
	runner *Runner
	clock  clock.Clock
	log    *zap.Logger
	cfg    SchedulerConfig

	lastProcessed time.Time
}

func NewScheduler(p SchedulerParams) *Scheduler {
	return &Scheduler{
		runner: p.Runner,
		clock:  p.Clock,
		log:    p.Log.Named("jobs.scheduler"),
		cfg:    p.Config.withDefaults(),
	}
}

// RunForever loops until the context is canceled.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce processes the most recent completed UTC day, if it has not been
// processed yet. Stage failures are joined, not short-circuited: a failed
// sync must not suppress the drift check.
func (s *Scheduler) RunOnce(parent context.Context) error {
	// The day being processed is the last full day: events for it are
	// complete once the clock has passed midnight.
	asOf := midnightUTC(s.clock.Now())
	if !asOf.After(s.lastProcessed) {
		return nil
	}

	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	var err error
	if s.jobEnabled("computation") {
		if _, runErr := s.runner.RunDailyComputation(ctx, asOf); runErr != nil {
			err = errors.Join(err, runErr)
		}
	}
	if s.jobEnabled("backfill") {
		// Labels older snapshots whose horizon closed since they were
		// written.
		if _, runErr := s.runner.RunLabelBackfill(ctx, eventdomain.TimeRange{To: asOf}); runErr != nil {
			err = errors.Join(err, runErr)
		}
	}
	if s.jobEnabled("sync") {
		if _, runErr := s.runner.RunSync(ctx, asOf); runErr != nil {
			err = errors.Join(err, runErr)
		}
	}
	if s.jobEnabled("drift") {
		reference, candidate := s.driftWindows(asOf)
		if _, runErr := s.runner.RunDriftCheck(ctx, reference, candidate); runErr != nil {
			err = errors.Join(err, runErr)
		}
	}

	if err == nil {
		s.lastProcessed = asOf
	}
	return err
}

func (s *Scheduler) driftWindows(asOf time.Time) (eventdomain.TimeRange, eventdomain.TimeRange) {
	candidateStart := asOf.AddDate(0, 0, -s.cfg.DriftCandidateDays)
	referenceStart := candidateStart.AddDate(0, 0, -s.cfg.DriftReferenceDays)
	return eventdomain.TimeRange{From: referenceStart, To: candidateStart},
		eventdomain.TimeRange{From: candidateStart, To: asOf}
}

func (s *Scheduler) jobEnabled(name string) bool {
	for _, disabled := range s.cfg.DisabledJobs {
		if disabled == name {
			return false
		}
	}
	return true
}

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
