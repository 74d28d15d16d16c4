// Package scheduler runs named periodic jobs. Every tick takes a
// cluster-wide lock so that a job runs on at most one instance at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Vector/vector-commerce-sync/distlock"
)

var ErrNoJobs = errors.New("scheduler has no jobs")

// Job is a named recurring task. Interval is read before every tick so a
// job can follow a runtime setting; a non positive value skips the tick
// and retries after the fallback interval.
type Job struct {
	Name     string
	Interval func(ctx context.Context) time.Duration
	Run      func(ctx context.Context) error
}

// Every returns a constant interval.
func Every(d time.Duration) func(context.Context) time.Duration {
	return func(context.Context) time.Duration {
		return d
	}
}

// Outcome of one tick.
type Outcome int

const (
	Ran Outcome = iota + 1
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Ran:
		return "ran"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type Scheduler struct {
	locker   distlock.Locker
	logger   *zap.Logger
	fallback time.Duration

	mu   sync.Mutex
	jobs []Job
}

func New(locker distlock.Locker, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		locker:   locker,
		logger:   logger,
		fallback: time.Minute,
	}
}

func (s *Scheduler) Add(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = append(s.jobs, job)
}

// LockName is the distributed lock guarding job name.
func LockName(name string) string {
	return "job:" + name
}

// RunOnce runs a single tick of job under its lock. A held lock is a skip,
// not a failure.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (Outcome, error) {
	logger := s.logger.With(zap.String("job", job.Name))
	started := time.Now()

	_, acquired, err := distlock.WithLock(ctx, s.locker, LockName(job.Name), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, job.Run(ctx)
	})

	switch {
	case !acquired:
		logger.Info("job skipped: lock held by another instance")
		return Skipped, nil
	case err != nil:
		logger.Error("job failed", zap.Duration("took", time.Since(started)), zap.Error(err))
		return Failed, fmt.Errorf("job %s: %w", job.Name, err)
	default:
		logger.Debug("job finished", zap.Duration("took", time.Since(started)))
		return Ran, nil
	}
}

// Start runs every job on its own timer until ctx is cancelled. The first
// tick of a job happens after one interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	if len(jobs) == 0 {
		return ErrNoJobs
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, job := range jobs {
		g.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}

	s.logger.Info("scheduler started", zap.Int("jobs", len(jobs)))

	return g.Wait()
}

func (s *Scheduler) interval(ctx context.Context, job Job) (time.Duration, bool) {
	d := job.Interval(ctx)
	if d <= 0 {
		s.logger.Warn("job has no valid interval", zap.String("job", job.Name), zap.Duration("interval", d))
		return s.fallback, false
	}

	return d, true
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	wait, valid := s.interval(ctx, job)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if valid {
				// failures are logged by RunOnce and the job keeps its schedule
				_, _ = s.RunOnce(ctx, job)
			}

			wait, valid = s.interval(ctx, job)
			timer.Reset(wait)
		}
	}
}
