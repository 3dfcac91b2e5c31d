package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/benchrank/internal/adapters/lock"
	"github.com/okian/benchrank/internal/adapters/repository"
	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/pkg/logger"
	"github.com/okian/benchrank/pkg/metrics"
)

// Supervisor clears run locks whose holder stopped heartbeating and fails the
// epochs such holders left RUNNING.
type Supervisor struct {
	locker   lock.Locker
	epochs   repository.EpochStore
	interval time.Duration
	clock    func() time.Time
	logger   logger.Logger

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorClock sets the supervisor's clock.
func WithSupervisorClock(clock func() time.Time) SupervisorOption {
	return func(s *Supervisor) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSupervisorLogger sets the supervisor's logger.
func WithSupervisorLogger(l logger.Logger) SupervisorOption {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSupervisor creates a supervisor polling every interval, or once per
// heartbeat window when interval is not positive.
func NewSupervisor(locker lock.Locker, epochs repository.EpochStore, interval time.Duration, opts ...SupervisorOption) *Supervisor {
	if interval <= 0 {
		interval = locker.StaleAfter()
	}
	s := &Supervisor{
		locker:   locker,
		epochs:   epochs,
		interval: interval,
		clock:    time.Now,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("supervisor")
	}
	return s
}

// Check clears a stale lock and fails abandoned epochs. Only epochs that
// started more than one heartbeat window ago count as abandoned, so a run
// that acquires the lock right after it is cleared is never touched. It
// reports whether a lock was cleared and how many epochs were failed.
func (s *Supervisor) Check(ctx context.Context) (cleared bool, failed int, err error) {
	staleAfter := s.locker.StaleAfter()
	lease, held, err := s.locker.Inspect(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("inspect run lock: %w", err)
	}
	now := s.clock()
	if held {
		if !lease.Stale(now, staleAfter) {
			return false, 0, nil
		}
		if err := s.locker.Release(ctx, lease); err != nil {
			// Refreshed or released since the inspection.
			s.logger.Debug(ctx, "stale lock changed before it could be cleared", logger.Error(err))
			return false, 0, nil
		}
		cleared = true
		metrics.RecordStaleLockCleared()
		s.logger.Warn(ctx, "cleared stale run lock",
			logger.String("holder", lease.Holder),
			logger.Duration("age", now.Sub(lease.HeartbeatAt)),
		)
	}

	epochs, err := s.epochs.ListEpochs(ctx, 0)
	if err != nil {
		return cleared, 0, fmt.Errorf("list epochs: %w", err)
	}
	cutoff := now.Add(-staleAfter)
	reason := "abandoned: run lock holder stopped heartbeating"
	if cleared {
		reason = fmt.Sprintf("abandoned: run lock holder %s stopped heartbeating", lease.Holder)
	}
	for i := range epochs {
		e := &epochs[i]
		if e.Status != model.EpochRunning || !e.StartedAt.Before(cutoff) {
			continue
		}
		if err := s.epochs.MarkFailed(ctx, e.EpochID, reason, now); err != nil {
			s.logger.Warn(ctx, "fail abandoned epoch", logger.Int64("epoch_id", e.EpochID), logger.Error(err))
			continue
		}
		failed++
		s.logger.Warn(ctx, "failed abandoned epoch", logger.Int64("epoch_id", e.EpochID))
	}
	return cleared, failed, nil
}

// Start polls until ctx is done or Close is called.
func (s *Supervisor) Start(ctx context.Context) {
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
				if _, _, err := s.Check(ctx); err != nil {
					s.logger.Warn(ctx, "supervisor check failed", logger.Error(err))
				}
			}
		}
	}()
}

// Close stops polling.
func (s *Supervisor) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return nil
}
