package api

import (
	"context"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/internal/domain/types"
)

// ComputationDependencies triggers and inspects computations.
type ComputationDependencies interface {
	RunComputation(ctx context.Context) (types.RunReport, error)
	Epoch(ctx context.Context, epochID int64) (model.ComputationEpoch, error)
	Epochs(ctx context.Context, limit int) ([]model.ComputationEpoch, error)
}

// ComputationsHandler handles /computations requests.
type ComputationsHandler struct {
	deps    ComputationDependencies
	limiter *rate.Limiter
}

// NewComputationsHandler creates a new computations handler.
func NewComputationsHandler(deps ComputationDependencies, limiter *rate.Limiter) *ComputationsHandler {
	return &ComputationsHandler{deps: deps, limiter: limiter}
}

// HandleTrigger handles POST /computations. The run executes synchronously
// and the RunReport is returned whatever the outcome.
func (h *ComputationsHandler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	const op = "api.trigger_computation"
	if h.limiter != nil && !h.limiter.Allow() {
		writeFailure(w, wrap(op, ErrRateLimited))
		return
	}
	report, err := h.deps.RunComputation(r.Context())
	if err != nil {
		status, _ := classify(err)
		if report.Error == "" {
			report.Error = err.Error()
		}
		writeJSON(w, status, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleList handles GET /computations?limit=N.
func (h *ComputationsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_computations"
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeFailure(w, wrap(op, ErrBadRequest))
			return
		}
		limit = n
	}
	epochs, err := h.deps.Epochs(r.Context(), limit)
	if err != nil {
		writeFailure(w, wrap(op, err))
		return
	}
	if epochs == nil {
		epochs = []model.ComputationEpoch{}
	}
	writeJSON(w, http.StatusOK, epochs)
}

// HandleGet handles GET /computations/{id}.
func (h *ComputationsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_computation"
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		writeFailure(w, wrap(op, ErrBadRequest))
		return
	}
	e, err := h.deps.Epoch(r.Context(), id)
	if err != nil {
		writeFailure(w, wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, e)
}
