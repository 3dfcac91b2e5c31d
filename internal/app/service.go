// Package service runs ranking computations and serves the published
// rankings to the HTTP API.
package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/benchrank/internal/adapters/lock"
	"github.com/okian/benchrank/internal/adapters/mq/events"
	"github.com/okian/benchrank/internal/adapters/mq/queue"
	"github.com/okian/benchrank/internal/adapters/mq/worker"
	"github.com/okian/benchrank/internal/adapters/repository"
	"github.com/okian/benchrank/internal/domain/elo"
	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/internal/domain/trust"
	"github.com/okian/benchrank/internal/domain/types"
	"github.com/okian/benchrank/pkg/logger"
)

// Defaults.
const (
	DefaultMaxSkipRatio     = 0.05
	DefaultRetainSucceeded  = 5
	DefaultFailedRetention  = 24 * time.Hour
	defaultGCWorkers        = 1
	defaultGCQueueSize      = 256
	lockReleaseTimeout      = 5 * time.Second
	defaultEpochsListLimit  = 20
	heartbeatsPerStaleLimit = 3
)

// Service is the ranking orchestrator. It owns the epoch lifecycle and the
// current-view pointers; the ELO engine and the trust aggregator only
// produce rows for the epoch they are given.
type Service struct {
	mu sync.RWMutex

	store       repository.Store
	locker      lock.Locker
	engine      *elo.Engine
	aggregator  *trust.Aggregator
	projections *repository.Projections
	publisher   events.Publisher

	gcQueue queue.Queue
	gcPool  *worker.Pool

	holder          string
	maxSkipRatio    float64
	heartbeatEvery  time.Duration
	retainSucceeded int
	failedRetention time.Duration
	gcWorkers       int
	gcQueueSize     int
	clock           func() time.Time

	started    bool
	lastReport *types.RunReport

	logger logger.Logger
}

// New constructs a Service over store and locker.
func New(store repository.Store, locker lock.Locker, opts ...Option) *Service {
	s := &Service{
		store:           store,
		locker:          locker,
		engine:          elo.New(),
		aggregator:      trust.New(),
		projections:     repository.NewProjections(),
		publisher:       events.NopPublisher{},
		holder:          defaultHolder(),
		maxSkipRatio:    DefaultMaxSkipRatio,
		retainSucceeded: DefaultRetainSucceeded,
		failedRetention: DefaultFailedRetention,
		gcWorkers:       defaultGCWorkers,
		gcQueueSize:     defaultGCQueueSize,
		clock:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	if s.heartbeatEvery <= 0 {
		s.heartbeatEvery = locker.StaleAfter() / heartbeatsPerStaleLimit
	}
	return s
}

func defaultHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "benchrank"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Holder returns the identity this service writes into the run lock.
func (s *Service) Holder() string { return s.holder }

// Start loads the published views and starts the garbage collector and the
// periodic projection refresh.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.logger.Info(ctx, "starting ranking service...", logger.String("holder", s.holder))

	if err := s.projections.Refresh(ctx, s.store); err != nil {
		return fmt.Errorf("load published views: %w", err)
	}
	s.projections.Start(ctx, s.store)

	s.gcQueue = queue.NewInMemoryQueue(queue.WithCapacity(s.gcQueueSize))
	s.gcPool = worker.NewPool(s.gcWorkers, s.gcQueue, s.store, worker.WithLogger(s.logger))
	s.gcPool.Start(ctx)

	s.started = true
	s.logger.Info(ctx, "ranking service started",
		logger.Int("gc_workers", s.gcWorkers),
		logger.Int("gc_queue", s.gcQueueSize),
		logger.Float64("max_skip_ratio", s.maxSkipRatio),
	)
	return nil
}

// Stop shuts the background components down.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping ranking service...")

	if err := s.gcPool.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "gc shutdown failed", logger.Error(err))
	}
	_ = s.projections.Close()
	if err := s.publisher.Close(); err != nil {
		s.logger.Warn(ctx, "event publisher close failed", logger.Error(err))
	}

	s.started = false
	s.logger.Info(ctx, "ranking service stopped")
}

// Page returns a window over a published ranking.
func (s *Service) Page(_ context.Context, kind model.RankingKind, offset, limit, minSamples int) (types.Page, error) {
	return s.projections.Page(kind, offset, limit, minSamples)
}

// Rank returns one subject's row in a published ranking.
func (s *Service) Rank(_ context.Context, kind model.RankingKind, subjectID string) (types.Entry, error) {
	return s.projections.Rank(kind, subjectID)
}

// Epoch returns one computation epoch.
func (s *Service) Epoch(ctx context.Context, epochID int64) (model.ComputationEpoch, error) {
	return s.store.GetEpoch(ctx, epochID)
}

// Epochs returns the most recent epochs, newest first.
func (s *Service) Epochs(ctx context.Context, limit int) ([]model.ComputationEpoch, error) {
	if limit <= 0 {
		limit = defaultEpochsListLimit
	}
	return s.store.ListEpochs(ctx, limit)
}

// Rollback points every ranking back at an older SUCCEEDED epoch whose rows
// still exist. It takes the run lock so it never races a computation.
func (s *Service) Rollback(ctx context.Context, epochID int64) (model.ComputationEpoch, error) {
	lease, err := s.acquire(ctx)
	if err != nil {
		return model.ComputationEpoch{}, err
	}
	defer s.release(ctx, lease)

	e, err := s.store.GetEpoch(ctx, epochID)
	if err != nil {
		return model.ComputationEpoch{}, err
	}
	if e.Status != model.EpochSucceeded || e.Pruned() {
		return e, fmt.Errorf("%w: epoch %d is %s (pruned=%t)", ErrEpochNotPublishable, e.EpochID, e.Status, e.Pruned())
	}
	if err := s.store.RollbackCurrentViews(context.WithoutCancel(ctx), epochID, model.AllKinds()); err != nil {
		return e, fmt.Errorf("publish epoch %d: %w", epochID, err)
	}
	if err := s.projections.Refresh(context.WithoutCancel(ctx), s.store); err != nil {
		s.logger.Warn(ctx, "projection refresh after rollback failed", logger.Error(err))
	}
	s.logger.Info(ctx, "rolled back current views", logger.Int64("epoch_id", epochID))
	return e, nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) map[string]interface{} {
	s.mu.RLock()
	started, gcQueue, last := s.started, s.gcQueue, s.lastReport
	s.mu.RUnlock()

	views := map[string]interface{}{}
	for kind, b := range s.projections.Snapshot().Boards {
		views[string(kind)] = map[string]interface{}{
			"epochId": b.EpochID,
			"entries": len(b.Entries),
		}
	}
	stats := map[string]interface{}{
		"started":      started,
		"holder":       s.holder,
		"currentViews": views,
	}
	if last != nil {
		stats["lastRun"] = *last
	}
	if gcQueue != nil {
		stats["gcQueueLength"] = gcQueue.Len(ctx)
	}
	if lease, held, err := s.locker.Inspect(ctx); err == nil && held {
		stats["lock"] = map[string]interface{}{
			"holder":      lease.Holder,
			"acquiredAt":  lease.AcquiredAt,
			"heartbeatAt": lease.HeartbeatAt,
		}
	}
	return stats
}

func (s *Service) setLastReport(r types.RunReport) {
	s.mu.Lock()
	s.lastReport = &r
	s.mu.Unlock()
}
