package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	eventdomain "github.com/smallbiznis/retain/internal/event/domain"
	"github.com/smallbiznis/retain/internal/store/offline"
)

func newTestScheduler(h *harness, cfg SchedulerConfig) *Scheduler {
	return NewScheduler(SchedulerParams{
		Runner: h.runner,
		Clock:  h.clk,
		Log:    zap.NewNop(),
		Config: cfg,
	})
}

func TestRunOnceProcessesOneDay(t *testing.T) {
	h := setupRunner(t)
	s := newTestScheduler(h, SchedulerConfig{})

	h.seedUser(t, 1, eventdomain.PlanPro)
	h.seedLogin(t, 1, jobDay(59), "s1")

	require.NoError(t, s.RunOnce(context.Background()))

	// Clock sits at day 60 midnight, so that day is the one processed.
	var records []offline.Record
	require.NoError(t, h.db.Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, offline.PartitionKey(jobDay(60)), records[0].PartitionKey)

	verdicts, err := h.detector.Verdicts(context.Background(), jobDay(60))
	require.NoError(t, err)
	assert.NotEmpty(t, verdicts)
}

func TestRunOnceSkipsAlreadyProcessedDay(t *testing.T) {
	h := setupRunner(t)
	s := newTestScheduler(h, SchedulerConfig{})

	h.seedUser(t, 1, eventdomain.PlanPro)
	h.seedLogin(t, 1, jobDay(59), "s1")

	require.NoError(t, s.RunOnce(context.Background()))
	// A second pass on the same day is a no-op, so no duplicate rejections.
	require.NoError(t, s.RunOnce(context.Background()))

	var count int64
	require.NoError(t, h.db.Model(&offline.Record{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRunOnceAdvancesWithClock(t *testing.T) {
	h := setupRunner(t)
	s := newTestScheduler(h, SchedulerConfig{})

	h.seedUser(t, 1, eventdomain.PlanPro)
	h.seedLogin(t, 1, jobDay(59), "s1")

	require.NoError(t, s.RunOnce(context.Background()))
	h.clk.Advance(24 * time.Hour)
	require.NoError(t, s.RunOnce(context.Background()))

	var count int64
	require.NoError(t, h.db.Model(&offline.Record{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestRunOnceHonorsDisabledJobs(t *testing.T) {
	h := setupRunner(t)
	s := newTestScheduler(h, SchedulerConfig{
		DisabledJobs: []string{"computation", "sync"},
	})

	h.seedUser(t, 1, eventdomain.PlanPro)

	require.NoError(t, s.RunOnce(context.Background()))

	var count int64
	require.NoError(t, h.db.Model(&offline.Record{}).Count(&count).Error)
	assert.Zero(t, count)

	verdicts, err := h.detector.Verdicts(context.Background(), jobDay(60))
	require.NoError(t, err)
	assert.NotEmpty(t, verdicts)
}

func TestRunOnceFailedStageDoesNotSuppressOthers(t *testing.T) {
	h := setupRunner(t)
	s := newTestScheduler(h, SchedulerConfig{})

	h.seedUser(t, 1, eventdomain.PlanPro)

	// Killing the cache fails the sync stage; computation and the drift
	// check must still run, and the day stays unprocessed for retry.
	h.mr.Close()
	h.runner.retryElapsed = 10 * time.Millisecond

	err := s.RunOnce(context.Background())
	require.Error(t, err)

	var count int64
	require.NoError(t, h.db.Model(&offline.Record{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	verdicts, err := h.detector.Verdicts(context.Background(), jobDay(60))
	require.NoError(t, err)
	assert.NotEmpty(t, verdicts)
}

func TestDriftWindowsAreContiguous(t *testing.T) {
	h := setupRunner(t)
	s := newTestScheduler(h, SchedulerConfig{
		DriftReferenceDays: 30,
		DriftCandidateDays: 7,
	})

	reference, candidate := s.driftWindows(jobDay(60))
	assert.Equal(t, jobDay(23), reference.From)
	assert.Equal(t, jobDay(53), reference.To)
	assert.Equal(t, jobDay(53), candidate.From)
	assert.Equal(t, jobDay(60), candidate.To)
}
