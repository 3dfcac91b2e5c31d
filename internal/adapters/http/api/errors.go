package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/okian/benchrank/internal/adapters/repository"
	service "github.com/okian/benchrank/internal/app"
	"github.com/okian/benchrank/internal/domain/model"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest  = errors.New("bad request")
	ErrRateLimited = errors.New("too many computation requests")
)

func wrap(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}

// classify maps a service error to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, repository.ErrInvalidLimit):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, model.ErrConcurrentRun):
		return http.StatusConflict, "computation_in_progress"
	case errors.Is(err, model.ErrEpochSuperseded), errors.Is(err, service.ErrLeaseLost):
		return http.StatusConflict, "computation_superseded"
	case errors.Is(err, model.ErrLockStale):
		return http.StatusServiceUnavailable, "lock_stale"
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, model.ErrEpochNotFound), errors.Is(err, repository.ErrUnknownKind):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrSkipRatioExceeded), errors.Is(err, model.ErrInputIntegrity):
		return http.StatusUnprocessableEntity, "input_rejected"
	case errors.Is(err, service.ErrEpochNotPublishable):
		return http.StatusConflict, "epoch_not_publishable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
