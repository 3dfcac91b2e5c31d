package lock

import (
	"context"
	"sync"
	"time"

	"github.com/okian/benchrank/internal/domain/model"
)

// MemoryOption configures a MemoryLocker.
type MemoryOption func(*MemoryLocker)

// WithMemoryStaleAfter sets the heartbeat window.
func WithMemoryStaleAfter(d time.Duration) MemoryOption {
	return func(l *MemoryLocker) {
		if d > 0 {
			l.staleAfter = d
		}
	}
}

// WithMemoryClock sets the clock.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(l *MemoryLocker) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// MemoryLocker is a process-local Locker for single-node deployments.
type MemoryLocker struct {
	mu         sync.Mutex
	lease      *Lease
	staleAfter time.Duration
	clock      func() time.Time
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker creates an unlocked MemoryLocker.
func NewMemoryLocker(opts ...MemoryOption) *MemoryLocker {
	l := &MemoryLocker{staleAfter: DefaultStaleAfter, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(_ context.Context, holder string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if cur := l.lease; cur != nil {
		if cur.Stale(now, l.staleAfter) {
			return Lease{}, &model.LockStaleError{Holder: cur.Holder, HeartbeatAt: cur.HeartbeatAt, Age: now.Sub(cur.HeartbeatAt)}
		}
		return Lease{}, &model.ConcurrentRunError{Holder: cur.Holder, AcquiredAt: cur.AcquiredAt}
	}
	lease := Lease{Holder: holder, Token: newToken(), AcquiredAt: now, HeartbeatAt: now}
	l.lease = &lease
	return lease, nil
}

// Refresh implements Locker.
func (l *MemoryLocker) Refresh(_ context.Context, lease Lease) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lease == nil || l.lease.Token != lease.Token {
		return Lease{}, ErrLockNotHeld
	}
	l.lease.HeartbeatAt = l.clock()
	return *l.lease, nil
}

// Release implements Locker.
func (l *MemoryLocker) Release(_ context.Context, lease Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lease == nil || l.lease.Token != lease.Token {
		return ErrLockNotHeld
	}
	l.lease = nil
	return nil
}

// Inspect implements Locker.
func (l *MemoryLocker) Inspect(_ context.Context) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lease == nil {
		return Lease{}, false, nil
	}
	return *l.lease, true, nil
}

// StaleAfter implements Locker.
func (l *MemoryLocker) StaleAfter() time.Duration { return l.staleAfter }
