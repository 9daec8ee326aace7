package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "alphamine/internal/errors"
	"alphamine/internal/testutils"
)

func TestScheduledJobRuns(t *testing.T) {
	testutils.NewTestSuite(t, nil)
	s := NewScheduler()

	var runs atomic.Int32
	id, err := s.AddJob("mine", "@every 20ms", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)

	s.Start()
	testutils.WaitForCondition(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, "job runs twice")
	require.NoError(t, s.Stop(context.Background()))

	job, err := s.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, "mine", job.Name)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.GreaterOrEqual(t, job.Runs, 2)
	assert.False(t, job.LastRunTime.IsZero())
}

func TestOverlappingRunsAreSkipped(t *testing.T) {
	testutils.NewTestSuite(t, nil)
	s := NewScheduler()

	var running, maxRunning, runs atomic.Int32
	_, err := s.AddJob("slow", "@every 10ms", func(ctx context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		runs.Add(1)
		select {
		case <-time.After(60 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, err)

	s.Start()
	testutils.WaitForCondition(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, "job runs twice")
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestRunNowRecordsFailure(t *testing.T) {
	testutils.NewTestSuite(t, nil)
	s := NewScheduler()

	id, err := s.AddJob("broken", "0 0 2 * * *", func(context.Context) error {
		return errors.New("panel file missing")
	})
	require.NoError(t, err)

	err = s.RunNow(context.Background(), id)
	assert.EqualError(t, err, "panel file missing")

	jobs := s.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobStatusFailed, jobs[0].Status)
	assert.Equal(t, "panel file missing", jobs[0].Error)
	assert.Equal(t, 1, jobs[0].Runs)
}

func TestInvalidScheduleAndUnknownJob(t *testing.T) {
	s := NewScheduler()
	_, err := s.AddJob("bad", "not a schedule", func(context.Context) error { return nil })
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))

	_, err = s.GetJob("missing")
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(err))
	assert.Error(t, s.RunNow(context.Background(), "missing"))
}
