package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/benchrank/internal/adapters/mq/queue"
	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/pkg/logger"
)

// Prune reasons.
const (
	pruneSuperseded = "superseded"
	pruneFailed     = "failed"
)

// SweepEpochs queues the epochs whose output rows are no longer needed:
// SUCCEEDED epochs beyond the retained most recent ones and FAILED epochs
// older than the failed retention. Current epochs are never queued. It
// returns the number of requests queued.
func (s *Service) SweepEpochs(ctx context.Context) (int, error) {
	s.mu.RLock()
	q := s.gcQueue
	s.mu.RUnlock()
	if q == nil {
		return 0, ErrNotStarted
	}

	views, err := s.store.CurrentViews(ctx)
	if err != nil {
		return 0, fmt.Errorf("load current views: %w", err)
	}
	current := make(map[int64]bool, len(views))
	for _, id := range views {
		current[id] = true
	}
	epochs, err := s.store.ListEpochs(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list epochs: %w", err)
	}

	now := s.clock()
	kept, queued := 0, 0
	for i := range epochs {
		e := &epochs[i]
		if current[e.EpochID] {
			kept++
			continue
		}
		if e.Pruned() {
			continue
		}
		var reason string
		switch e.Status {
		case model.EpochSucceeded:
			if kept < s.retainSucceeded {
				kept++
				continue
			}
			reason = pruneSuperseded
		case model.EpochFailed:
			if e.CompletedAt == nil || now.Sub(*e.CompletedAt) < s.failedRetention {
				continue
			}
			reason = pruneFailed
		default:
			continue
		}

		err := q.Enqueue(ctx, model.PruneRequest{EpochID: e.EpochID, Reason: reason})
		if errors.Is(err, queue.ErrFull) {
			// The next sweep picks the rest up.
			break
		}
		if err != nil {
			return queued, fmt.Errorf("queue prune of epoch %d: %w", e.EpochID, err)
		}
		queued++
	}
	return queued, nil
}

func (s *Service) sweep(ctx context.Context) {
	n, err := s.SweepEpochs(ctx)
	switch {
	case errors.Is(err, ErrNotStarted):
	case err != nil:
		s.logger.Warn(ctx, "epoch sweep failed", logger.Error(err))
	case n > 0:
		s.logger.Debug(ctx, "queued epochs for pruning", logger.Int("count", n))
	}
}
