package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vector/vector-commerce-sync/distlock"
	"github.com/Vector/vector-commerce-sync/integrations"
)

func TestRunOnceSkipsWhenLockIsHeld(t *testing.T) {
	locker := distlock.NewMemoryLocker()
	first := New(locker, nil)
	second := New(locker, nil)

	var runs atomic.Int32

	entered := make(chan struct{})
	release := make(chan struct{})

	job := Job{
		Name:     "job-x",
		Interval: Every(time.Hour),
		Run: func(context.Context) error {
			runs.Add(1)
			close(entered)
			<-release

			return nil
		},
	}

	done := make(chan Outcome)

	go func() {
		outcome, _ := first.RunOnce(context.Background(), job)
		done <- outcome
	}()

	<-entered

	outcome, err := second.RunOnce(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, Skipped, outcome)

	close(release)
	assert.Equal(t, Ran, <-done)
	assert.Equal(t, int32(1), runs.Load())

	// released after the run
	assert.True(t, locker.TryAcquire(context.Background(), LockName("job-x")))
}

func TestRunOnceReleasesAfterFailure(t *testing.T) {
	locker := distlock.NewMemoryLocker()
	s := New(locker, nil)

	job := Job{Name: "broken", Interval: Every(time.Hour), Run: func(context.Context) error {
		return errors.New("boom")
	}}

	outcome, err := s.RunOnce(context.Background(), job)
	assert.Equal(t, Failed, outcome)
	assert.Error(t, err)

	outcome, _ = s.RunOnce(context.Background(), job)
	assert.Equal(t, Failed, outcome)
}

func TestStartTicksUntilCancelled(t *testing.T) {
	s := New(distlock.NewMemoryLocker(), nil)

	var runs atomic.Int32

	s.Add(Job{Name: "fast", Interval: Every(5 * time.Millisecond), Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)

	go func() {
		errc <- s.Start(ctx)
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	assert.ErrorIs(t, New(distlock.NewMemoryLocker(), nil).Start(context.Background()), ErrNoJobs)
}

type fakeDue struct {
	calls    atomic.Int32
	interval atomic.Int64
}

func (f *fakeDue) SyncDue(_ context.Context, interval time.Duration) (integrations.BatchReport, error) {
	f.calls.Add(1)
	f.interval.Store(int64(interval))

	return integrations.BatchReport{}, nil
}

type fakePurger struct{ calls atomic.Int32 }

func (f *fakePurger) PurgeExpiredStates(context.Context) (int64, error) {
	f.calls.Add(1)
	return 2, nil
}

func TestBuiltInJobs(t *testing.T) {
	s := New(distlock.NewMemoryLocker(), nil)
	due := &fakeDue{}
	purger := &fakePurger{}

	syncJob := IntegrationSyncJob(due, Every(time.Hour))
	assert.Equal(t, JobIntegrationSync, syncJob.Name)

	outcome, err := s.RunOnce(context.Background(), syncJob)
	require.NoError(t, err)
	assert.Equal(t, Ran, outcome)
	assert.Equal(t, int64(time.Hour), due.interval.Load())

	cleanup := OAuthStateCleanupJob(purger, 10*time.Minute, nil)

	outcome, err = s.RunOnce(context.Background(), cleanup)
	require.NoError(t, err)
	assert.Equal(t, Ran, outcome)
	assert.Equal(t, int32(1), purger.calls.Load())
}
