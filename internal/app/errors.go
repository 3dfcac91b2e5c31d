package service

import "errors"

// Sentinel kinds for service errors.
var (
	// ErrNotStarted is returned by operations that need Start first.
	ErrNotStarted = errors.New("service not started")

	// ErrLeaseLost aborts a run whose lock was released underneath it.
	ErrLeaseLost = errors.New("run lock lease lost")

	// ErrEpochNotPublishable rejects rolling back to an epoch that is not
	// SUCCEEDED or whose rows were pruned.
	ErrEpochNotPublishable = errors.New("epoch cannot be published")
)
