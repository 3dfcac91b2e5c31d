// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/okian/benchrank/internal/adapters/repository"
	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/internal/domain/types"
)

// Defaults.
const (
	defaultMaxLimit     = 1000
	defaultTriggerRate  = rate.Limit(1)
	defaultTriggerBurst = 3
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	ComputationDependencies
	RankingDependencies
}

// Entry mirrors the read shape returned by ranking queries.
type Entry = types.Entry

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler       *HealthHandler
	statsHandler        *StatsHandler
	computationsHandler *ComputationsHandler
	rankingsHandler     *RankingsHandler

	maxLimit     int
	triggerRate  rate.Limit
	triggerBurst int
}

// Option configures a Server.
type Option func(*Server)

// WithMaxLimit caps the page size of ranking queries.
func WithMaxLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxLimit = n
		}
	}
}

// WithTriggerRateLimit limits POST /computations to perSecond requests with
// the given burst.
func WithTriggerRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.triggerRate = rate.Limit(perSecond)
		}
		if burst > 0 {
			s.triggerBurst = burst
		}
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...Option) *Server {
	s := &Server{
		maxLimit:     defaultMaxLimit,
		triggerRate:  defaultTriggerRate,
		triggerBurst: defaultTriggerBurst,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.healthHandler = NewHealthHandler()
	s.statsHandler = NewStatsHandler(statsProvider)
	s.computationsHandler = NewComputationsHandler(deps, rate.NewLimiter(s.triggerRate, s.triggerBurst))
	s.rankingsHandler = NewRankingsHandler(deps, s.maxLimit)
	return s
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))

	mux.HandleFunc("POST /computations", MetricsMiddleware(s.computationsHandler.HandleTrigger, "computations_trigger"))
	mux.HandleFunc("GET /computations", MetricsMiddleware(s.computationsHandler.HandleList, "computations_list"))
	mux.HandleFunc("GET /computations/{id}", MetricsMiddleware(s.computationsHandler.HandleGet, "computations_get"))

	mux.HandleFunc("POST /rankings/rollback", MetricsMiddleware(s.rankingsHandler.HandleRollback, "rankings_rollback"))
	mux.HandleFunc("GET /rankings/{kind}", MetricsMiddleware(s.rankingsHandler.HandlePage, "rankings_page"))
	mux.HandleFunc("GET /rankings/{kind}/{subject}", MetricsMiddleware(s.rankingsHandler.HandleRank, "rankings_rank"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeFailure picks the status from the error.
func writeFailure(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeError(w, status, code, err)
}

func parseKind(op, s string) (model.RankingKind, error) {
	kind, ok := model.ParseRankingKind(s)
	if !ok {
		return "", fmt.Errorf("%s: %q: %w", op, s, repository.ErrUnknownKind)
	}
	return kind, nil
}
