// Package worker runs the garbage collector that prunes the outputs of
// failed and superseded epochs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/pkg/logger"
	"github.com/okian/benchrank/pkg/metrics"
)

const (
	defaultWorkerCount  = 1
	poolShutdownTimeout = 30 * time.Second
)

// Request is what workers read off the queue.
type Request = model.PruneRequest

// Pruner deletes an epoch's output rows.
type Pruner interface {
	PruneEpoch(ctx context.Context, epochID int64) error
}

// Queue defines how workers receive requests.
type Queue interface {
	Dequeue(ctx context.Context) <-chan Request
}

// Worker processes prune requests.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown stops the worker after the request in flight.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker.
type InMemoryWorker struct {
	queue  Queue
	pruner Pruner
	name   string

	shutdown chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker.
func NewInMemoryWorker(queue Queue, pruner Pruner, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    queue,
		pruner:   pruner,
		name:     "gc",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.Get()
	}
	w.logger = w.logger.Named(w.name)
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	requests := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case r, ok := <-requests:
			if !ok {
				return
			}
			if err := w.process(ctx, r); err != nil {
				w.logger.Error(ctx, "prune failed",
					logger.Int64("epoch_id", r.EpochID),
					logger.String("reason", r.Reason),
					logger.Error(err),
				)
			}
		}
	}
}

// Shutdown stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	close(w.shutdown)
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (w *InMemoryWorker) process(ctx context.Context, r Request) error {
	start := time.Now()
	err := w.pruner.PruneEpoch(ctx, r.EpochID)
	switch {
	case err == nil:
		metrics.RecordEpochPruned(float64(time.Since(start).Milliseconds()))
		w.logger.Info(ctx, "pruned epoch outputs",
			logger.Int64("epoch_id", r.EpochID),
			logger.String("reason", r.Reason),
		)
		return nil
	case errors.Is(err, model.ErrEpochInUse), errors.Is(err, model.ErrInvalidTransition):
		// Republished by a rollback, or still running.
		w.logger.Debug(ctx, "epoch not prunable",
			logger.Int64("epoch_id", r.EpochID),
			logger.Error(err),
		)
		return nil
	default:
		metrics.RecordPruneFailure()
		metrics.RecordErrorByComponent("gc", "prune_error")
		return fmt.Errorf("prune epoch %d: %w", r.EpochID, err)
	}
}

// Pool manages multiple workers.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	logger  logger.Logger
}

// NewPool creates a new worker pool.
func NewPool(workerCount int, queue Queue, pruner Pruner, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = defaultWorkerCount
	}
	base := &InMemoryWorker{}
	for _, opt := range opts {
		opt(base)
	}
	if base.logger == nil {
		base.logger = logger.Get()
	}
	pool := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   queue,
		logger:  base.logger.Named("gc-pool"),
	}
	for i := 0; i < workerCount; i++ {
		wopts := append([]Option{WithName("gc-" + strconv.Itoa(i))}, opts...)
		pool.workers[i] = NewInMemoryWorker(queue, pruner, wopts...)
	}
	metrics.UpdateGCWorkerCount(workerCount)
	return pool
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Shutdown closes the queue and waits for the workers to stop.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}
	metrics.UpdateGCWorkerCount(0)
	return nil
}
