package simulate

import "errors"

// Sentinel errors.
var (
	ErrInvalidScenario = errors.New("invalid scenario")
	ErrUnexpectedCode  = errors.New("unexpected status code")
	ErrVerification    = errors.New("ranking verification failed")
)
