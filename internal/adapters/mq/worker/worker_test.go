package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/benchrank/internal/adapters/mq/queue"
	"github.com/okian/benchrank/internal/adapters/mq/worker"
	"github.com/okian/benchrank/internal/domain/model"
	logging "github.com/okian/benchrank/pkg/logger"
)

type mockQueue struct {
	ch chan model.PruneRequest
}

func newMockQueue() *mockQueue {
	return &mockQueue{ch: make(chan model.PruneRequest, 10)}
}

func (mq *mockQueue) Dequeue(context.Context) <-chan model.PruneRequest { return mq.ch }

func (mq *mockQueue) Close() error {
	close(mq.ch)
	return nil
}

type mockPruner struct {
	mu     sync.Mutex
	pruned []int64
	errs   map[int64]error
	calls  int
}

func newMockPruner() *mockPruner {
	return &mockPruner{errs: map[int64]error{}}
}

func (m *mockPruner) PruneEpoch(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err := m.errs[id]; err != nil {
		return err
	}
	m.pruned = append(m.pruned, id)
	return nil
}

func (m *mockPruner) snapshot() ([]int64, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.pruned...), m.calls
}

func waitForCalls(p *mockPruner, n int) {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, calls := p.snapshot(); calls >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a gc worker", t, func() {
		_ = logging.Init()

		q := newMockQueue()
		p := newMockPruner()
		w := worker.NewInMemoryWorker(q, p, worker.WithName("test-gc"))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go w.Run(ctx)

		convey.Convey("When a prune request arrives", func() {
			q.ch <- model.PruneRequest{EpochID: 4, Reason: "superseded"}
			waitForCalls(p, 1)

			convey.Convey("Then the epoch is pruned", func() {
				pruned, _ := p.snapshot()
				convey.So(pruned, convey.ShouldResemble, []int64{4})
			})
		})

		convey.Convey("When pruning fails the worker keeps going", func() {
			p.errs[5] = errors.New("db down")
			p.errs[6] = model.ErrEpochInUse
			q.ch <- model.PruneRequest{EpochID: 5, Reason: "failed"}
			q.ch <- model.PruneRequest{EpochID: 6, Reason: "superseded"}
			q.ch <- model.PruneRequest{EpochID: 7, Reason: "failed"}
			waitForCalls(p, 3)

			pruned, calls := p.snapshot()
			convey.So(calls, convey.ShouldEqual, 3)
			convey.So(pruned, convey.ShouldResemble, []int64{7})
		})

		convey.Convey("When shutting down", func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer shutdownCancel()
			convey.So(w.Shutdown(shutdownCtx), convey.ShouldBeNil)
		})
	})
}

func TestPool(t *testing.T) {
	convey.Convey("Given a gc pool on a real queue", t, func() {
		_ = logging.Init()

		q := queue.NewInMemoryQueue(queue.WithCapacity(32))
		p := newMockPruner()
		pool := worker.NewPool(3, q, p)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		pool.Start(ctx)

		for i := int64(1); i <= 20; i++ {
			convey.So(q.Enqueue(ctx, model.PruneRequest{EpochID: i, Reason: "failed"}), convey.ShouldBeNil)
		}

		convey.Convey("Then shutdown drains every pending request", func() {
			convey.So(pool.Shutdown(context.Background()), convey.ShouldBeNil)
			pruned, _ := p.snapshot()
			convey.So(len(pruned), convey.ShouldEqual, 20)
		})
	})
}
