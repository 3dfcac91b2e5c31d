package model

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel kinds for the ranking engine. Typed errors below unwrap to these
// so callers can match with errors.Is and inspect details with errors.As.
var (
	// ErrInputIntegrity marks a malformed or contradictory match or signal.
	ErrInputIntegrity = errors.New("input integrity violation")

	// ErrConcurrentRun means another computation holds the run lock.
	ErrConcurrentRun = errors.New("computation already in progress")

	// ErrPublishInconsistency blocks publishing an epoch whose outputs are incomplete.
	ErrPublishInconsistency = errors.New("publish inconsistency")

	// ErrLockStale means the run lock is held past its staleness threshold.
	ErrLockStale = errors.New("run lock is stale")

	// ErrSkipRatioExceeded means too many signals were skipped to publish.
	ErrSkipRatioExceeded = errors.New("signal skip ratio exceeded")

	// ErrEpochNotFound is returned for unknown epoch ids.
	ErrEpochNotFound = errors.New("epoch not found")

	// ErrInvalidTransition rejects epoch status changes out of a terminal state.
	ErrInvalidTransition = errors.New("invalid epoch transition")

	// ErrEpochInUse rejects pruning an epoch that a current view points at.
	ErrEpochInUse = errors.New("epoch is referenced by a current view")

	// ErrEpochSuperseded rejects publishing an epoch older than a current
	// view. Only a rollback may move the views backwards.
	ErrEpochSuperseded = errors.New("epoch superseded by a newer published epoch")
)

// InputIntegrityError describes one malformed input record.
type InputIntegrityError struct {
	// Entity is "match" or "signal".
	Entity string
	ID     string
	Reason string
}

func (e *InputIntegrityError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("input integrity: %s: %s", e.Entity, e.Reason)
	}
	return fmt.Sprintf("input integrity: %s %q: %s", e.Entity, e.ID, e.Reason)
}

// Unwrap returns ErrInputIntegrity.
func (e *InputIntegrityError) Unwrap() error { return ErrInputIntegrity }

// NewMatchIntegrityError builds an InputIntegrityError for a match.
func NewMatchIntegrityError(id, reason string) *InputIntegrityError {
	return &InputIntegrityError{Entity: "match", ID: id, Reason: reason}
}

// NewSignalIntegrityError builds an InputIntegrityError for a signal.
func NewSignalIntegrityError(id, reason string) *InputIntegrityError {
	return &InputIntegrityError{Entity: "signal", ID: id, Reason: reason}
}

// ConcurrentRunError is returned when the run lock is already held.
type ConcurrentRunError struct {
	Holder     string
	AcquiredAt time.Time
}

func (e *ConcurrentRunError) Error() string {
	return fmt.Sprintf("computation already in progress: held by %s since %s",
		e.Holder, e.AcquiredAt.UTC().Format(time.RFC3339))
}

// Unwrap returns ErrConcurrentRun.
func (e *ConcurrentRunError) Unwrap() error { return ErrConcurrentRun }

// PublishInconsistencyError reports an output table whose stored row count
// does not match what the computation produced.
type PublishInconsistencyError struct {
	EpochID  int64
	Kind     RankingKind
	Expected int
	Actual   int
}

func (e *PublishInconsistencyError) Error() string {
	return fmt.Sprintf("publish inconsistency: epoch=%d kind=%s expected=%d actual=%d",
		e.EpochID, e.Kind, e.Expected, e.Actual)
}

// Unwrap returns ErrPublishInconsistency.
func (e *PublishInconsistencyError) Unwrap() error { return ErrPublishInconsistency }

// LockStaleError reports a lock whose holder stopped heartbeating.
type LockStaleError struct {
	Holder      string
	HeartbeatAt time.Time
	Age         time.Duration
}

func (e *LockStaleError) Error() string {
	return fmt.Sprintf("run lock held by %s is stale: last heartbeat %s ago", e.Holder, e.Age.Round(time.Millisecond))
}

// Unwrap returns ErrLockStale.
func (e *LockStaleError) Unwrap() error { return ErrLockStale }
