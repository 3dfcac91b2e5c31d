package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/okian/benchrank/internal/adapters/lock"
	"github.com/okian/benchrank/internal/adapters/mq/events"
	"github.com/okian/benchrank/internal/domain/elo"
	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/internal/domain/trust"
	"github.com/okian/benchrank/internal/domain/types"
	"github.com/okian/benchrank/internal/tracing"
	"github.com/okian/benchrank/pkg/logger"
	"github.com/okian/benchrank/pkg/metrics"
)

// Run outcomes recorded in metrics.
const (
	runSucceeded = "succeeded"
	runFailed    = "failed"
	runBusy      = "busy"
	runStale     = "stale"
)

// outputs is everything one run computed before it is persisted.
type outputs struct {
	elo   elo.Result
	trust trust.Result
}

// RunComputation performs one full-history computation and publishes it.
//
// It fails fast with a *model.ConcurrentRunError when another run holds the
// lock and with a *model.LockStaleError when the holder stopped
// heartbeating. Cancellation is honored until publishing starts; from then
// on the run completes on a non-cancelable context. Any failure before
// publishing marks the epoch FAILED and leaves the current views untouched.
func (s *Service) RunComputation(ctx context.Context) (report types.RunReport, err error) {
	start := s.clock()
	ctx, end := tracing.StartSpan(ctx, "computation.run", attribute.String("holder", s.holder))
	defer func() {
		end(err)
		report.ElapsedMs = s.clock().Sub(start).Milliseconds()
		if report.Error == "" && err != nil {
			report.Error = err.Error()
		}
		metrics.RecordRunDuration(float64(report.ElapsedMs))
		s.setLastReport(report)
	}()

	lease, err := s.acquire(ctx)
	if err != nil {
		return report, err
	}
	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	stopHeartbeat := s.startHeartbeat(runCtx, lease, abort)
	defer func() {
		stopHeartbeat()
		s.release(ctx, lease)
	}()

	asOf := s.clock()
	epoch, err := s.store.CreateEpoch(runCtx, start, asOf)
	if err != nil {
		metrics.RecordRun(runFailed)
		return report, fmt.Errorf("create epoch: %w", err)
	}
	report.ComputationID = epoch.EpochID
	log := s.logger.Named("run")
	log.Info(ctx, "computation started",
		logger.Int64("epoch_id", epoch.EpochID),
		logger.String("as_of", asOf.UTC().Format(time.RFC3339Nano)),
	)

	out, err := s.compute(runCtx, epoch.EpochID, asOf)
	if err == nil {
		err = s.persist(runCtx, epoch.EpochID, out)
	}
	if err == nil {
		err = context.Cause(runCtx)
	}
	if err != nil {
		s.fail(ctx, epoch.EpochID, err)
		return report, err
	}

	report.MatchesProcessed = out.elo.MatchesProcessed
	report.ModelsUpdated = out.elo.ModelsUpdated
	report.NewModelsAdded = out.elo.NewModelsAdded
	report.Skipped = out.trust.Skipped

	// Past this point the run is committed.
	pubCtx := context.WithoutCancel(ctx)
	completed := s.clock()
	counters := model.EpochCounters{
		MatchesProcessed: out.elo.MatchesProcessed,
		ModelsUpdated:    out.elo.ModelsUpdated,
		NewModelsAdded:   out.elo.NewModelsAdded,
		SignalsProcessed: out.trust.Processed,
		SignalsSkipped:   out.trust.Skipped,
		ElapsedMs:        completed.Sub(start).Milliseconds(),
	}
	if err := s.confirmLease(pubCtx, lease); err != nil {
		s.fail(ctx, epoch.EpochID, err)
		return report, err
	}
	if err := s.publish(pubCtx, epoch.EpochID, counters, completed); err != nil {
		metrics.RecordRun(runFailed)
		return report, err
	}

	report.Success = true
	metrics.RecordRun(runSucceeded)
	metrics.RecordMatchesProcessed(out.elo.MatchesProcessed)
	metrics.RecordSignals(out.trust.Processed, out.trust.Skipped)
	metrics.UpdateRatedModels(len(out.elo.Ratings))
	metrics.UpdatePublishedEpoch(epoch.EpochID, float64(completed.Unix()))
	log.Info(ctx, "computation published",
		logger.Int64("epoch_id", epoch.EpochID),
		logger.Int("matches", out.elo.MatchesProcessed),
		logger.Int("models_updated", out.elo.ModelsUpdated),
		logger.Int("new_models", out.elo.NewModelsAdded),
		logger.Int("signals", out.trust.Processed),
		logger.Int("skipped", out.trust.Skipped),
	)

	s.afterPublish(pubCtx, epoch.EpochID)
	return report, nil
}

func (s *Service) acquire(ctx context.Context) (lock.Lease, error) {
	lease, err := s.locker.Acquire(ctx, s.holder)
	switch {
	case err == nil:
		metrics.RecordLockAcquire("acquired")
		return lease, nil
	case errors.Is(err, model.ErrConcurrentRun):
		metrics.RecordLockAcquire(runBusy)
		metrics.RecordRun(runBusy)
	case errors.Is(err, model.ErrLockStale):
		metrics.RecordLockAcquire(runStale)
		metrics.RecordRun(runStale)
	default:
		metrics.RecordLockAcquire("error")
		err = fmt.Errorf("acquire run lock: %w", err)
	}
	return lock.Lease{}, err
}

func (s *Service) release(ctx context.Context, lease lock.Lease) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
	defer cancel()
	if err := s.locker.Release(ctx, lease); err != nil {
		s.logger.Warn(ctx, "release run lock failed", logger.Error(err))
	}
}

// confirmLease refreshes lease once more before the run commits. A run
// whose lease was cleared while it computed must not publish.
func (s *Service) confirmLease(ctx context.Context, lease lock.Lease) error {
	if _, err := s.locker.Refresh(ctx, lease); err != nil {
		if errors.Is(err, lock.ErrLockNotHeld) {
			return fmt.Errorf("%w: holder %s", ErrLeaseLost, lease.Holder)
		}
		return fmt.Errorf("confirm run lock: %w", err)
	}
	return nil
}

// startHeartbeat refreshes lease until the returned stop func is called. A
// lease lost to the supervisor aborts the run.
func (s *Service) startHeartbeat(ctx context.Context, lease lock.Lease, abort context.CancelCauseFunc) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				next, err := s.locker.Refresh(hbCtx, lease)
				switch {
				case err == nil:
					lease = next
				case errors.Is(err, lock.ErrLockNotHeld):
					s.logger.Error(hbCtx, "run lock lease lost, aborting run", logger.String("holder", lease.Holder))
					abort(ErrLeaseLost)
					return
				case hbCtx.Err() != nil:
					return
				default:
					s.logger.Warn(hbCtx, "run lock heartbeat failed", logger.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// compute runs ELO and trust side by side, both at the same read horizon.
func (s *Service) compute(ctx context.Context, epochID int64, asOf time.Time) (outputs, error) {
	var out outputs

	previous, priorTrust, err := s.loadPrevious(ctx)
	if err != nil {
		return out, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		defer phase(gctx, "elo")(&err)
		matches, err := s.store.ListEligibleMatches(gctx, asOf)
		if err != nil {
			return fmt.Errorf("list matches: %w", err)
		}
		out.elo, err = s.engine.Compute(gctx, epochID, matches, previous)
		return err
	})
	g.Go(func() (err error) {
		defer phase(gctx, "trust")(&err)
		signals, err := s.store.ListEligibleSignals(gctx, asOf)
		if err != nil {
			return fmt.Errorf("list signals: %w", err)
		}
		graph, err := s.store.EntityGraph(gctx, asOf)
		if err != nil {
			return fmt.Errorf("load entity graph: %w", err)
		}
		out.trust, err = s.aggregator.Compute(gctx, epochID, signals, graph, priorTrust)
		return err
	})
	if err := g.Wait(); err != nil {
		return out, err
	}

	if ratio := out.trust.SkipRatio(); ratio > s.maxSkipRatio {
		return out, fmt.Errorf("%w: %d of %d signals skipped (%.4f > %.4f)",
			model.ErrSkipRatioExceeded, out.trust.Skipped, out.trust.Processed, ratio, s.maxSkipRatio)
	}
	return out, nil
}

// loadPrevious reads the published model ratings and reviewer trust that the
// new epoch is compared against.
func (s *Service) loadPrevious(ctx context.Context) (map[string]model.ModelRating, map[string]float64, error) {
	views, err := s.store.CurrentViews(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load current views: %w", err)
	}

	previous := map[string]model.ModelRating{}
	if id, ok := views[model.KindModelElo]; ok {
		rows, err := s.store.LoadRatings(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("load previous ratings: %w", err)
		}
		for _, r := range rows {
			previous[r.ModelSlug] = r
		}
	}

	prior := map[string]float64{}
	if id, ok := views[model.KindReviewerTrust]; ok {
		rows, err := s.store.LoadScores(ctx, id, model.KindReviewerTrust)
		if err != nil {
			return nil, nil, fmt.Errorf("load prior reviewer trust: %w", err)
		}
		for _, r := range rows {
			if r.Score != nil {
				prior[r.SubjectID] = *r.Score
			}
		}
	}
	return previous, prior, nil
}

// persist writes every output row and verifies the stored counts.
func (s *Service) persist(ctx context.Context, epochID int64, out outputs) (err error) {
	defer phase(ctx, "persist")(&err)

	ratings := out.elo.Sorted()
	if err := s.store.PersistRatings(ctx, epochID, ratings); err != nil {
		return fmt.Errorf("persist ratings: %w", err)
	}
	expected := map[model.RankingKind]int{model.KindModelElo: len(ratings)}
	for _, kind := range model.ScoreKinds() {
		rows := out.trust.ByKind(kind)
		if err := s.store.PersistScores(ctx, epochID, kind, rows); err != nil {
			return fmt.Errorf("persist %s: %w", kind, err)
		}
		expected[kind] = len(rows)
	}

	for _, kind := range model.AllKinds() {
		n, err := s.store.CountOutputs(ctx, epochID, kind)
		if err != nil {
			return fmt.Errorf("count %s: %w", kind, err)
		}
		if n != expected[kind] {
			return &model.PublishInconsistencyError{EpochID: epochID, Kind: kind, Expected: expected[kind], Actual: n}
		}
	}
	return nil
}

// publish marks the epoch SUCCEEDED and flips every current view to it.
func (s *Service) publish(ctx context.Context, epochID int64, counters model.EpochCounters, completed time.Time) (err error) {
	defer phase(ctx, "publish")(&err)

	if err := s.store.MarkSucceeded(ctx, epochID, counters, completed); err != nil {
		s.markFailed(ctx, epochID, err)
		return fmt.Errorf("mark epoch %d succeeded: %w", epochID, err)
	}
	if err := s.store.PublishCurrentViews(ctx, epochID, model.AllKinds()); err != nil {
		if errors.Is(err, model.ErrEpochSuperseded) {
			s.logger.Warn(ctx, "epoch superseded before its views flipped", logger.Int64("epoch_id", epochID), logger.Error(err))
		}
		return fmt.Errorf("publish epoch %d: %w", epochID, err)
	}
	return nil
}

// afterPublish does the best-effort follow-ups of a published epoch.
func (s *Service) afterPublish(ctx context.Context, epochID int64) {
	if err := s.projections.Refresh(ctx, s.store); err != nil {
		s.logger.Warn(ctx, "projection refresh failed", logger.Error(err))
	}

	if e, err := s.store.GetEpoch(ctx, epochID); err == nil {
		if err := s.publisher.PublishEpoch(ctx, events.NewEpochPublished(&e, model.AllKinds())); err != nil {
			metrics.RecordEpochEvent("error")
			s.logger.Warn(ctx, "epoch event not published", logger.Int64("epoch_id", epochID), logger.Error(err))
		} else {
			metrics.RecordEpochEvent("published")
		}
	}

	s.sweep(ctx)
}

// fail records a failed run and marks its epoch FAILED.
func (s *Service) fail(ctx context.Context, epochID int64, cause error) {
	metrics.RecordRun(runFailed)
	s.markFailed(ctx, epochID, cause)
}

// markFailed moves a RUNNING epoch to FAILED with the error text.
func (s *Service) markFailed(ctx context.Context, epochID int64, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.MarkFailed(ctx, epochID, cause.Error(), s.clock()); err != nil && !errors.Is(err, model.ErrInvalidTransition) {
		s.logger.Error(ctx, "mark epoch failed", logger.Int64("epoch_id", epochID), logger.Error(err))
	}
	s.logger.Warn(ctx, "computation failed", logger.Int64("epoch_id", epochID), logger.Error(cause))
}

// phase times one step of a run in metrics and tracing.
func phase(ctx context.Context, name string) func(*error) {
	start := time.Now()
	_, end := tracing.StartSpan(ctx, "computation."+name)
	return func(errp *error) {
		metrics.RecordPhaseDuration(name, float64(time.Since(start).Milliseconds()))
		end(*errp)
	}
}
