package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/internal/domain/types"
)

const defaultPageLimit = 50

// RankingDependencies reads published rankings and moves the current views.
type RankingDependencies interface {
	Page(ctx context.Context, kind model.RankingKind, offset, limit, minSamples int) (types.Page, error)
	Rank(ctx context.Context, kind model.RankingKind, subjectID string) (types.Entry, error)
	Rollback(ctx context.Context, epochID int64) (model.ComputationEpoch, error)
}

// RankingsHandler handles /rankings requests.
type RankingsHandler struct {
	deps     RankingDependencies
	maxLimit int
}

// NewRankingsHandler creates a new rankings handler.
func NewRankingsHandler(deps RankingDependencies, maxLimit int) *RankingsHandler {
	return &RankingsHandler{deps: deps, maxLimit: maxLimit}
}

// HandlePage handles GET /rankings/{kind}?limit&offset&min_samples.
func (h *RankingsHandler) HandlePage(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_ranking"
	kind, err := parseKind(op, r.PathValue("kind"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultPageLimit, 1)
	if err != nil {
		writeFailure(w, wrap(op, err))
		return
	}
	if limit > h.maxLimit {
		writeError(w, http.StatusBadRequest, "limit_exceeded", wrap(op, ErrBadRequest))
		return
	}
	offset, err := intParam(q.Get("offset"), 0, 0)
	if err != nil {
		writeFailure(w, wrap(op, err))
		return
	}
	minSamples, err := intParam(q.Get("min_samples"), 0, 0)
	if err != nil {
		writeFailure(w, wrap(op, err))
		return
	}

	page, err := h.deps.Page(r.Context(), kind, offset, limit, minSamples)
	if err != nil {
		writeFailure(w, wrap(op, err))
		return
	}
	if page.Entries == nil {
		page.Entries = []types.Entry{}
	}
	writeJSON(w, http.StatusOK, page)
}

// HandleRank handles GET /rankings/{kind}/{subject}.
func (h *RankingsHandler) HandleRank(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_rank"
	kind, err := parseKind(op, r.PathValue("kind"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	subject := r.PathValue("subject")
	if subject == "" {
		writeFailure(w, wrap(op, ErrBadRequest))
		return
	}
	entry, err := h.deps.Rank(r.Context(), kind, subject)
	if err != nil {
		writeFailure(w, wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type rollbackRequest struct {
	EpochID int64 `json:"epoch_id"`
}

// HandleRollback handles POST /rankings/rollback.
func (h *RankingsHandler) HandleRollback(w http.ResponseWriter, r *http.Request) {
	const op = "api.rollback"
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, fmt.Errorf("%s: %w: %w", op, ErrBadRequest, err))
		return
	}
	if req.EpochID < 1 {
		writeFailure(w, fmt.Errorf("%s: %w: epoch_id must be positive", op, ErrBadRequest))
		return
	}
	e, err := h.deps.Rollback(r.Context(), req.EpochID)
	if err != nil {
		writeFailure(w, wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// intParam parses an optional integer query parameter.
func intParam(s string, def, minVal int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < minVal {
		return 0, fmt.Errorf("%w: invalid integer %q", ErrBadRequest, s)
	}
	return n, nil
}
