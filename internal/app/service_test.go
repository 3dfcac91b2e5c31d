package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/benchrank/internal/adapters/lock"
	"github.com/okian/benchrank/internal/adapters/repository"
	service "github.com/okian/benchrank/internal/app"
	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

var base = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// seedMatches records n matches round-robin between x, y and z.
func seedMatches(ctx context.Context, st *repository.MemoryStore, from, n int) {
	pairs := [][2]string{{"x", "y"}, {"y", "z"}, {"z", "x"}}
	for i := from; i < from+n; i++ {
		p := pairs[i%len(pairs)]
		So(st.AddMatch(ctx, model.ModelMatch{
			MatchID: fmt.Sprintf("m%03d", i), PromptID: "p1", ModelA: p[0], ModelB: p[1],
			Outcome: model.OutcomeAWins, OccurredAt: base.Add(time.Duration(i) * time.Minute),
		}), ShouldBeNil)
	}
}

// seedSignals records valid opinions on p1 and signals on an unknown prompt.
func seedSignals(ctx context.Context, st *repository.MemoryStore, valid, malformed int) {
	for i := 0; i < valid+malformed; i++ {
		target := "p1"
		if i >= valid {
			target = "missing"
		}
		So(st.AddSignal(ctx, model.ReviewSignal{
			SignalID: fmt.Sprintf("s%03d", i), SourceKind: model.SourceReview, ActorUserID: fmt.Sprintf("u%d", i%7),
			TargetKind: model.EntityPrompt, TargetID: target, Weight: 1, OccurredAt: base.Add(time.Duration(i) * time.Second),
		}), ShouldBeNil)
	}
}

func newFixture(opts ...service.Option) (*service.Service, *repository.MemoryStore, *lock.MemoryLocker) {
	ctx := context.Background()
	st := repository.NewMemoryStore()
	So(st.AddPrompt(ctx, "p1", "alice"), ShouldBeNil)
	locker := lock.NewMemoryLocker()
	opts = append([]service.Option{service.WithLogger(logger.Nop()), service.WithHolder("test-node")}, opts...)
	svc := service.New(st, locker, opts...)
	So(svc.Start(ctx), ShouldBeNil)
	return svc, st, locker
}

func TestService_RunComputation(t *testing.T) {
	Convey("Given a started service with matches and signals", t, func() {
		ctx := context.Background()
		svc, st, locker := newFixture()
		defer svc.Stop()
		seedMatches(ctx, st, 0, 9)

		Convey("When 2 of 100 signals are malformed", func() {
			seedSignals(ctx, st, 98, 2)
			report, err := svc.RunComputation(ctx)

			Convey("Then the epoch is published with skipped=2", func() {
				So(err, ShouldBeNil)
				So(report.Success, ShouldBeTrue)
				So(report.ComputationID, ShouldEqual, 1)
				So(report.MatchesProcessed, ShouldEqual, 9)
				So(report.ModelsUpdated, ShouldEqual, 3)
				So(report.NewModelsAdded, ShouldEqual, 3)
				So(report.Skipped, ShouldEqual, 2)

				views, err := st.CurrentViews(ctx)
				So(err, ShouldBeNil)
				for _, k := range model.AllKinds() {
					So(views[k], ShouldEqual, 1)
				}

				e, err := svc.Epoch(ctx, 1)
				So(err, ShouldBeNil)
				So(e.Status, ShouldEqual, model.EpochSucceeded)
				So(e.SignalsProcessed, ShouldEqual, 100)
				So(e.SignalsSkipped, ShouldEqual, 2)

				page, err := svc.Page(ctx, model.KindModelElo, 0, 10, 0)
				So(err, ShouldBeNil)
				So(page.EpochID, ShouldEqual, 1)
				So(page.Total, ShouldEqual, 3)

				entry, err := svc.Rank(ctx, model.KindPromptQuality, "p1")
				So(err, ShouldBeNil)
				So(entry.Rank, ShouldEqual, 1)
				So(*entry.Score, ShouldAlmostEqual, 1.0, 1e-9)
			})

			Convey("And the lock is released", func() {
				_, held, err := locker.Inspect(ctx)
				So(err, ShouldBeNil)
				So(held, ShouldBeFalse)
			})

			Convey("And a second run with no new input changes nothing", func() {
				report, err := svc.RunComputation(ctx)
				So(err, ShouldBeNil)
				So(report.ComputationID, ShouldEqual, 2)
				So(report.ModelsUpdated, ShouldEqual, 0)
				So(report.NewModelsAdded, ShouldEqual, 0)
			})
		})

		Convey("When too many signals are malformed", func() {
			seedSignals(ctx, st, 90, 10)
			report, err := svc.RunComputation(ctx)

			Convey("Then the run fails and nothing is published", func() {
				So(errors.Is(err, model.ErrSkipRatioExceeded), ShouldBeTrue)
				So(report.Success, ShouldBeFalse)
				So(report.Error, ShouldNotBeEmpty)

				e, err := svc.Epoch(ctx, report.ComputationID)
				So(err, ShouldBeNil)
				So(e.Status, ShouldEqual, model.EpochFailed)

				views, err := st.CurrentViews(ctx)
				So(err, ShouldBeNil)
				So(views, ShouldBeEmpty)
			})
		})

		Convey("When the context is already canceled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			report, err := svc.RunComputation(cctx)

			Convey("Then the epoch fails and the lock is free", func() {
				So(errors.Is(err, context.Canceled), ShouldBeTrue)
				e, err := svc.Epoch(ctx, report.ComputationID)
				So(err, ShouldBeNil)
				So(e.Status, ShouldEqual, model.EpochFailed)
				_, held, _ := locker.Inspect(ctx)
				So(held, ShouldBeFalse)
			})
		})
	})
}

func TestService_FailedRunKeepsViews(t *testing.T) {
	Convey("Given a published epoch", t, func() {
		ctx := context.Background()
		svc, st, _ := newFixture()
		defer svc.Stop()
		seedMatches(ctx, st, 0, 6)
		_, err := svc.RunComputation(ctx)
		So(err, ShouldBeNil)
		before, err := svc.Page(ctx, model.KindModelElo, 0, 10, 0)
		So(err, ShouldBeNil)

		Convey("When a self-match is recorded", func() {
			So(st.AddMatch(ctx, model.ModelMatch{
				MatchID: "bad", PromptID: "p1", ModelA: "x", ModelB: "x", Outcome: model.OutcomeTie, OccurredAt: base,
			}), ShouldBeNil)
			report, err := svc.RunComputation(ctx)

			Convey("Then the run aborts and readers still see the old epoch", func() {
				var integrity *model.InputIntegrityError
				So(errors.As(err, &integrity), ShouldBeTrue)
				So(integrity.ID, ShouldEqual, "bad")

				e, err := svc.Epoch(ctx, report.ComputationID)
				So(err, ShouldBeNil)
				So(e.Status, ShouldEqual, model.EpochFailed)
				So(e.Error, ShouldContainSubstring, "bad")

				after, err := svc.Page(ctx, model.KindModelElo, 0, 10, 0)
				So(err, ShouldBeNil)
				So(after, ShouldResemble, before)
				views, _ := st.CurrentViews(ctx)
				So(views[model.KindModelElo], ShouldEqual, 1)
			})
		})
	})
}

func TestService_SingleFlight(t *testing.T) {
	Convey("Given a run lock held by another node", t, func() {
		ctx := context.Background()
		clk := &fakeClock{now: time.Now()}
		st := repository.NewMemoryStore()
		locker := lock.NewMemoryLocker(lock.WithMemoryClock(clk.Now))
		svc := service.New(st, locker, service.WithLogger(logger.Nop()))
		_, err := locker.Acquire(ctx, "other-node")
		So(err, ShouldBeNil)

		Convey("When a computation is triggered", func() {
			start := time.Now()
			_, err := svc.RunComputation(ctx)
			elapsed := time.Since(start)

			Convey("Then it fails immediately without creating an epoch", func() {
				var busy *model.ConcurrentRunError
				So(errors.As(err, &busy), ShouldBeTrue)
				So(busy.Holder, ShouldEqual, "other-node")
				So(elapsed, ShouldBeLessThan, 100*time.Millisecond)

				epochs, err := svc.Epochs(ctx, 0)
				So(err, ShouldBeNil)
				So(epochs, ShouldBeEmpty)
			})
		})

		Convey("When the holder stops heartbeating", func() {
			clk.Advance(lock.DefaultStaleAfter + time.Second)
			_, err := svc.RunComputation(ctx)

			Convey("Then the trigger reports a stale lock", func() {
				So(errors.Is(err, model.ErrLockStale), ShouldBeTrue)
			})
		})

		Convey("When a rollback is requested", func() {
			_, err := svc.Rollback(ctx, 1)

			Convey("Then it is refused as busy too", func() {
				So(errors.Is(err, model.ErrConcurrentRun), ShouldBeTrue)
			})
		})
	})

	Convey("Given concurrent triggers", t, func() {
		ctx := context.Background()
		svc, st, _ := newFixture()
		defer svc.Stop()
		seedMatches(ctx, st, 0, 30)

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.RunComputation(ctx)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		Convey("Then every trigger either published or was told the lock is busy", func() {
			published := 0
			for err := range errs {
				if err == nil {
					published++
					continue
				}
				So(errors.Is(err, model.ErrConcurrentRun), ShouldBeTrue)
			}
			So(published, ShouldBeGreaterThanOrEqualTo, 1)

			epochs, err := svc.Epochs(ctx, 0)
			So(err, ShouldBeNil)
			So(len(epochs), ShouldEqual, published)
			for _, e := range epochs {
				So(e.Status, ShouldEqual, model.EpochSucceeded)
			}
		})
	})
}

func TestService_Rollback(t *testing.T) {
	Convey("Given two published epochs and a failed one", t, func() {
		ctx := context.Background()
		svc, st, _ := newFixture()
		defer svc.Stop()

		seedMatches(ctx, st, 0, 3)
		_, err := svc.RunComputation(ctx)
		So(err, ShouldBeNil)
		seedMatches(ctx, st, 3, 3)
		_, err = svc.RunComputation(ctx)
		So(err, ShouldBeNil)
		So(st.AddMatch(ctx, model.ModelMatch{MatchID: "bad", PromptID: "p1", ModelA: "x", ModelB: "x", Outcome: model.OutcomeTie, OccurredAt: base}), ShouldBeNil)
		_, err = svc.RunComputation(ctx)
		So(err, ShouldNotBeNil)

		Convey("When rolling back to the first epoch", func() {
			e, err := svc.Rollback(ctx, 1)

			Convey("Then every view points at it", func() {
				So(err, ShouldBeNil)
				So(e.EpochID, ShouldEqual, 1)
				views, _ := st.CurrentViews(ctx)
				for _, k := range model.AllKinds() {
					So(views[k], ShouldEqual, 1)
				}
				page, err := svc.Page(ctx, model.KindModelElo, 0, 10, 0)
				So(err, ShouldBeNil)
				So(page.EpochID, ShouldEqual, 1)
				for _, entry := range page.Entries {
					So(entry.SampleSize, ShouldEqual, 2)
				}
			})
		})

		Convey("When rolling back to the failed epoch", func() {
			_, err := svc.Rollback(ctx, 3)

			Convey("Then it is refused", func() {
				So(errors.Is(err, service.ErrEpochNotPublishable), ShouldBeTrue)
				views, _ := st.CurrentViews(ctx)
				So(views[model.KindModelElo], ShouldEqual, 2)
			})
		})

		Convey("When rolling back to an unknown epoch", func() {
			_, err := svc.Rollback(ctx, 99)
			So(errors.Is(err, model.ErrEpochNotFound), ShouldBeTrue)
		})
	})
}

func TestService_EpochGC(t *testing.T) {
	Convey("Given a service that retains one succeeded epoch", t, func() {
		ctx := context.Background()
		svc, st, _ := newFixture(service.WithRetention(1, 0))
		defer svc.Stop()

		for i := 0; i < 3; i++ {
			seedMatches(ctx, st, i*3, 3)
			_, err := svc.RunComputation(ctx)
			So(err, ShouldBeNil)
		}

		Convey("Then superseded epochs are pruned and the current one is kept", func() {
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				e1, _ := st.GetEpoch(ctx, 1)
				e2, _ := st.GetEpoch(ctx, 2)
				if e1.Pruned() && e2.Pruned() {
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
			for _, id := range []int64{1, 2} {
				e, err := st.GetEpoch(ctx, id)
				So(err, ShouldBeNil)
				So(e.Pruned(), ShouldBeTrue)
				rows, err := st.LoadRatings(ctx, id)
				So(err, ShouldBeNil)
				So(rows, ShouldBeEmpty)
			}
			e3, err := st.GetEpoch(ctx, 3)
			So(err, ShouldBeNil)
			So(e3.Pruned(), ShouldBeFalse)

			_, err = svc.Rollback(ctx, 1)
			So(errors.Is(err, service.ErrEpochNotPublishable), ShouldBeTrue)
		})
	})
}

// hookedStore runs a callback once before the first view flip or before the
// first output count, and can slow every write down.
type hookedStore struct {
	*repository.MemoryStore

	beforePublish func()
	beforeCount   func()
	publishArmed  atomic.Bool
	countArmed    atomic.Bool
	writeDelay    time.Duration
}

func newHookedStore() *hookedStore {
	st := repository.NewMemoryStore()
	So(st.AddPrompt(context.Background(), "p1", "alice"), ShouldBeNil)
	return &hookedStore{MemoryStore: st}
}

func (h *hookedStore) PublishCurrentViews(ctx context.Context, epochID int64, kinds []model.RankingKind) error {
	if h.publishArmed.CompareAndSwap(true, false) {
		h.beforePublish()
	}
	time.Sleep(h.writeDelay)
	return h.MemoryStore.PublishCurrentViews(ctx, epochID, kinds)
}

func (h *hookedStore) CountOutputs(ctx context.Context, epochID int64, kind model.RankingKind) (int, error) {
	if h.countArmed.CompareAndSwap(true, false) {
		h.beforeCount()
	}
	return h.MemoryStore.CountOutputs(ctx, epochID, kind)
}

func (h *hookedStore) PersistScores(ctx context.Context, epochID int64, kind model.RankingKind, rows []model.SubjectScore) error {
	time.Sleep(h.writeDelay)
	return h.MemoryStore.PersistScores(ctx, epochID, kind, rows)
}

func (h *hookedStore) MarkSucceeded(ctx context.Context, epochID int64, c model.EpochCounters, at time.Time) error {
	time.Sleep(h.writeDelay)
	return h.MemoryStore.MarkSucceeded(ctx, epochID, c, at)
}

func TestService_LostLease(t *testing.T) {
	Convey("Given two nodes sharing a store and a lock with a short stale window", t, func() {
		ctx := context.Background()
		clk := &fakeClock{now: time.Now()}
		st := newHookedStore()
		seedMatches(ctx, st.MemoryStore, 0, 6)
		locker := lock.NewMemoryLocker(lock.WithMemoryClock(clk.Now), lock.WithMemoryStaleAfter(time.Second))
		sup := service.NewSupervisor(locker, st, time.Second,
			service.WithSupervisorClock(clk.Now),
			service.WithSupervisorLogger(logger.Nop()),
		)
		newNode := func(holder string) *service.Service {
			svc := service.New(st, locker,
				service.WithLogger(logger.Nop()),
				service.WithHolder(holder),
				service.WithHeartbeatInterval(time.Hour),
			)
			So(svc.Start(ctx), ShouldBeNil)
			return svc
		}
		a, b := newNode("node-a"), newNode("node-b")
		defer a.Stop()
		defer b.Stop()

		Convey("When node a stalls before its view flip and node b publishes meanwhile", func() {
			var cleared bool
			var bReport, aReport struct {
				id  int64
				err error
			}
			st.beforePublish = func() {
				clk.Advance(5 * time.Second)
				cleared, _, _ = sup.Check(ctx)
				r, err := b.RunComputation(ctx)
				bReport.id, bReport.err = r.ComputationID, err
			}
			st.publishArmed.Store(true)
			r, err := a.RunComputation(ctx)
			aReport.id, aReport.err = r.ComputationID, err

			Convey("Then node a fails and the views stay on node b's epoch", func() {
				So(cleared, ShouldBeTrue)
				So(bReport.err, ShouldBeNil)
				So(bReport.id, ShouldEqual, 2)

				So(aReport.id, ShouldEqual, 1)
				So(errors.Is(aReport.err, model.ErrEpochSuperseded), ShouldBeTrue)
				So(r.Success, ShouldBeFalse)

				views, err := st.CurrentViews(ctx)
				So(err, ShouldBeNil)
				for _, k := range model.AllKinds() {
					So(views[k], ShouldEqual, 2)
				}
				page, err := b.Page(ctx, model.KindModelElo, 0, 10, 0)
				So(err, ShouldBeNil)
				So(page.EpochID, ShouldEqual, 2)
			})
		})

		Convey("When node a loses its lease before committing", func() {
			st.beforeCount = func() {
				clk.Advance(5 * time.Second)
				_, _, _ = sup.Check(ctx)
			}
			st.countArmed.Store(true)
			r, err := a.RunComputation(ctx)

			Convey("Then the epoch fails and nothing is published", func() {
				So(errors.Is(err, service.ErrLeaseLost), ShouldBeTrue)
				So(r.Success, ShouldBeFalse)

				e, err := a.Epoch(ctx, r.ComputationID)
				So(err, ShouldBeNil)
				So(e.Status, ShouldEqual, model.EpochFailed)

				views, err := st.CurrentViews(ctx)
				So(err, ShouldBeNil)
				So(views, ShouldBeEmpty)

				_, held, err := locker.Inspect(ctx)
				So(err, ShouldBeNil)
				So(held, ShouldBeFalse)
			})
		})
	})
}

func TestService_AtomicPublish(t *testing.T) {
	Convey("Given a reader polling the current views during slow runs", t, func() {
		ctx := context.Background()
		st := newHookedStore()
		st.writeDelay = 2 * time.Millisecond
		svc := service.New(st, lock.NewMemoryLocker(), service.WithLogger(logger.Nop()), service.WithHolder("test-node"))
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		stop := make(chan struct{})
		done := make(chan struct{})
		var polls, seen atomic.Int64
		var mu sync.Mutex
		var bad []string
		go func() {
			defer close(done)
			for {
				select {
				case <-stop:
					return
				default:
				}
				polls.Add(1)
				views, err := st.CurrentViews(ctx)
				if err != nil {
					continue
				}
				for kind, id := range views {
					seen.Add(1)
					e, err := st.GetEpoch(ctx, id)
					if err != nil || e.Status != model.EpochSucceeded {
						mu.Lock()
						bad = append(bad, fmt.Sprintf("%s -> epoch %d (%s, %v)", kind, id, e.Status, err))
						mu.Unlock()
					}
				}
				time.Sleep(100 * time.Microsecond)
			}
		}()

		seedMatches(ctx, st.MemoryStore, 0, 6)
		_, firstErr := svc.RunComputation(ctx)
		seedMatches(ctx, st.MemoryStore, 6, 6)
		_, secondErr := svc.RunComputation(ctx)
		So(st.AddMatch(ctx, model.ModelMatch{
			MatchID: "self", PromptID: "p1", ModelA: "y", ModelB: "y", Outcome: model.OutcomeTie, OccurredAt: base,
		}), ShouldBeNil)
		_, failErr := svc.RunComputation(ctx)
		close(stop)
		<-done

		Convey("Then every observed pointer refers to a SUCCEEDED epoch", func() {
			So(firstErr, ShouldBeNil)
			So(secondErr, ShouldBeNil)
			So(errors.Is(failErr, model.ErrInputIntegrity), ShouldBeTrue)
			So(polls.Load(), ShouldBeGreaterThan, 0)
			So(seen.Load(), ShouldBeGreaterThan, 0)
			mu.Lock()
			defer mu.Unlock()
			So(bad, ShouldBeEmpty)

			views, _ := st.CurrentViews(ctx)
			So(views[model.KindModelElo], ShouldEqual, 2)
			e, err := st.GetEpoch(ctx, 3)
			So(err, ShouldBeNil)
			So(e.Status, ShouldEqual, model.EpochFailed)
		})
	})
}

func TestService_Stats(t *testing.T) {
	Convey("Given a service", t, func() {
		ctx := context.Background()
		st := repository.NewMemoryStore()
		svc := service.New(st, lock.NewMemoryLocker(), service.WithLogger(logger.Nop()))

		Convey("When getting stats before starting", func() {
			stats := svc.GetStats(ctx)
			So(stats["started"], ShouldEqual, false)
			So(stats, ShouldNotContainKey, "lastRun")
		})

		Convey("When getting stats after a run", func() {
			So(svc.Start(ctx), ShouldBeNil)
			defer svc.Stop()
			_, err := svc.RunComputation(ctx)
			So(err, ShouldBeNil)

			stats := svc.GetStats(ctx)
			So(stats["started"], ShouldEqual, true)
			So(stats, ShouldContainKey, "lastRun")
			So(stats, ShouldContainKey, "currentViews")
			So(stats, ShouldNotContainKey, "lock")
		})
	})
}
