package simulate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/benchrank/internal/adapters/repository"
	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/pkg/logger"
)

// Ingester is the write side of a store. Both the memory and the postgres
// stores implement it.
type Ingester interface {
	AddMatch(ctx context.Context, m model.ModelMatch) error
	AddSignal(ctx context.Context, s model.ReviewSignal) error
	AddPrompt(ctx context.Context, promptID, authorID string) error
	AddPromptSet(ctx context.Context, setID, authorID string, members []string) error
	AddResponse(ctx context.Context, responseID, promptID string) error
}

// Load writes ds into ing. Entities go first so signals resolve. Records
// already present are counted as duplicates and skipped.
func Load(ctx context.Context, ing Ingester, ds *Dataset, workers int, opts ...Option) (Stats, error) {
	o := newOptions(opts)
	stats := Stats{StartTime: time.Now()}
	var dup atomic.Int64

	record := func(err error, n *int) error {
		switch {
		case err == nil:
			*n++
			return nil
		case errors.Is(err, repository.ErrDuplicate):
			dup.Add(1)
			return nil
		default:
			return err
		}
	}

	for _, p := range ds.Prompts {
		if err := record(ing.AddPrompt(ctx, p.ID, p.Author), &stats.Prompts); err != nil {
			return stats, fmt.Errorf("prompt %s: %w", p.ID, err)
		}
	}
	for _, s := range ds.Sets {
		if err := record(ing.AddPromptSet(ctx, s.ID, s.Author, s.Members), &stats.PromptSets); err != nil {
			return stats, fmt.Errorf("prompt set %s: %w", s.ID, err)
		}
	}
	for _, r := range ds.Responses {
		if err := record(ing.AddResponse(ctx, r.ID, r.PromptID), &stats.Responses); err != nil {
			return stats, fmt.Errorf("response %s: %w", r.ID, err)
		}
	}

	if workers < 1 {
		workers = 1
	}
	var matches, signals atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range ds.Matches {
		m := ds.Matches[i]
		g.Go(func() error {
			err := ing.AddMatch(gctx, m)
			if errors.Is(err, repository.ErrDuplicate) {
				dup.Add(1)
				return nil
			}
			if err != nil {
				return fmt.Errorf("match %s: %w", m.MatchID, err)
			}
			matches.Add(1)
			return nil
		})
	}
	for i := range ds.Signals {
		s := ds.Signals[i]
		g.Go(func() error {
			err := ing.AddSignal(gctx, s)
			if errors.Is(err, repository.ErrDuplicate) {
				dup.Add(1)
				return nil
			}
			if err != nil {
				return fmt.Errorf("signal %s: %w", s.SignalID, err)
			}
			signals.Add(1)
			return nil
		})
	}
	err := g.Wait()

	stats.Matches = int(matches.Load())
	stats.Signals = int(signals.Load())
	stats.Duplicates = int(dup.Load())
	stats.Duration = time.Since(stats.StartTime)

	o.logger.Info(ctx, "dataset loaded",
		logger.Int("matches", stats.Matches),
		logger.Int("signals", stats.Signals),
		logger.Int("prompts", stats.Prompts),
		logger.Int("promptSets", stats.PromptSets),
		logger.Int("responses", stats.Responses),
		logger.Int("duplicates", stats.Duplicates),
		logger.Duration("duration", stats.Duration))
	return stats, err
}
