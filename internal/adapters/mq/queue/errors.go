package queue

import "errors"

// Sentinel kinds for enqueue failures.
var (
	ErrClosed = errors.New("gc queue closed")
	ErrFull   = errors.New("gc queue full")
)
