// Package lock provides the system-wide run lock that keeps computations
// single-flight.
//
// A lease is held by one holder and refreshed by heartbeats. A holder whose
// heartbeat is older than the stale threshold is considered dead; acquiring
// then fails with a *model.LockStaleError instead of silently taking over, and
// the supervisor decides when to clear it.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultStaleAfter is how long a lease may go without a heartbeat before it
// is reported stale.
const DefaultStaleAfter = 30 * time.Second

// ErrLockNotHeld is returned when refreshing or releasing a lease that is no
// longer the current one.
var ErrLockNotHeld = errors.New("lock not held")

// Lease is one holder's claim on the run lock.
type Lease struct {
	Holder      string    `json:"holder"`
	Token       string    `json:"token"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Stale reports whether the lease missed its heartbeat window at now.
func (l Lease) Stale(now time.Time, after time.Duration) bool {
	return now.Sub(l.HeartbeatAt) > after
}

// Locker is the run lock.
type Locker interface {
	// Acquire takes the lock for holder without waiting. It returns a
	// *model.ConcurrentRunError when a live holder has it and a
	// *model.LockStaleError when the current holder stopped heartbeating.
	Acquire(ctx context.Context, holder string) (Lease, error)
	// Refresh records a heartbeat for lease.
	Refresh(ctx context.Context, lease Lease) (Lease, error)
	// Release frees the lock if lease is still the current one.
	Release(ctx context.Context, lease Lease) error
	// Inspect returns the current lease, if any.
	Inspect(ctx context.Context) (Lease, bool, error)
	// StaleAfter returns the heartbeat window.
	StaleAfter() time.Duration
}

func newToken() string {
	return uuid.NewString()
}
