package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/internal/domain/types"
	"github.com/okian/benchrank/pkg/logger"
)

// Runner triggers one computation.
type Runner interface {
	RunComputation(ctx context.Context) (types.RunReport, error)
}

// Scheduler triggers computations on a fixed interval. A trigger that finds
// the lock busy is skipped; the next tick tries again.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	timeout  time.Duration
	logger   logger.Logger

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a scheduler. Each run gets at most timeout; zero
// means no per-run deadline.
func NewScheduler(r Runner, interval, timeout time.Duration, l logger.Logger) *Scheduler {
	if l == nil {
		l = logger.Get().Named("scheduler")
	}
	return &Scheduler{
		runner:   r,
		interval: interval,
		timeout:  timeout,
		logger:   l,
		stopChan: make(chan struct{}),
	}
}

// Start begins triggering. A non-positive interval disables the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info(ctx, "scheduler disabled")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	report, err := s.runner.RunComputation(ctx)
	switch {
	case err == nil:
		s.logger.Info(ctx, "scheduled computation published",
			logger.Int64("epoch_id", report.ComputationID),
			logger.Int64("elapsed_ms", report.ElapsedMs),
		)
	case errors.Is(err, model.ErrConcurrentRun):
		s.logger.Debug(ctx, "scheduled computation skipped, run in progress")
	case errors.Is(err, model.ErrLockStale):
		s.logger.Warn(ctx, "scheduled computation skipped, run lock is stale", logger.Error(err))
	default:
		s.logger.Error(ctx, "scheduled computation failed", logger.Error(err))
	}
}

// Close stops the scheduler and waits for a run in flight.
func (s *Scheduler) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return nil
}
