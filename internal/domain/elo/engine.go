// Package elo replays pairwise model matches into ELO ratings.
//
// Every epoch recomputes from full history: matches are ordered by
// (occurredAt, matchID), every model starts at the default rating, and each
// match applies the standard logistic update with a fixed K. The same input
// set always yields identical ratings.
package elo

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/okian/benchrank/internal/domain/dedupe"
	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/pkg/logger"
)

// Default engine configuration.
const (
	DefaultKFactor   = 32.0
	DefaultRating    = 1500.0
	cancelCheckEvery = 1024
	logisticScale    = 400.0
)

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithKFactor sets K. Non-positive values are ignored.
func WithKFactor(k float64) Option {
	return func(e *Engine) {
		if k > 0 && !math.IsInf(k, 0) {
			e.k = k
		}
	}
}

// WithDefaultRating sets the rating a model starts at.
func WithDefaultRating(r float64) Option {
	return func(e *Engine) {
		if !math.IsNaN(r) && !math.IsInf(r, 0) {
			e.defaultRating = r
		}
	}
}

// WithCatalog restricts matches to known model slugs. An empty catalog
// accepts every model.
func WithCatalog(slugs []string) Option {
	return func(e *Engine) {
		if len(slugs) == 0 {
			e.catalog = nil
			return
		}
		e.catalog = make(map[string]struct{}, len(slugs))
		for _, s := range slugs {
			e.catalog[s] = struct{}{}
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Result is the output of one ELO computation.
type Result struct {
	Ratings          map[string]model.ModelRating
	MatchesProcessed int
	ModelsUpdated    int
	NewModelsAdded   int
}

// Sorted returns the ratings ordered by model slug.
func (r Result) Sorted() []model.ModelRating {
	out := make([]model.ModelRating, 0, len(r.Ratings))
	for _, v := range r.Ratings {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelSlug < out[j].ModelSlug })
	return out
}

// Engine computes ratings. It holds only configuration and is safe for
// concurrent use.
type Engine struct {
	k             float64
	defaultRating float64
	catalog       map[string]struct{}
	logger        logger.Logger
}

// New creates an Engine with K=32 and a 1500 default rating unless overridden.
func New(opts ...Option) *Engine {
	e := &Engine{
		k:             DefaultKFactor,
		defaultRating: DefaultRating,
		logger:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// K returns the configured K-factor.
func (e *Engine) K() float64 { return e.k }

// Expected returns the logistic expected score of a player rated ra against rb.
func Expected(ra, rb float64) float64 {
	return 1 / (1 + math.Pow(10, (rb-ra)/logisticScale))
}

// OrderMatches returns a copy of matches sorted by (OccurredAt, MatchID).
func OrderMatches(matches []model.ModelMatch) []model.ModelMatch {
	ordered := make([]model.ModelMatch, len(matches))
	copy(ordered, matches)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].OccurredAt, ordered[j].OccurredAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return ordered[i].MatchID < ordered[j].MatchID
	})
	return ordered
}

type state struct {
	rating  float64
	matches int
}

// Compute replays all matches for epochID. previous holds the ratings of the
// last published epoch and is only used to derive ModelsUpdated and
// NewModelsAdded; it never seeds the replay. Any malformed match aborts the
// computation with an *model.InputIntegrityError.
func (e *Engine) Compute(ctx context.Context, epochID int64, matches []model.ModelMatch, previous map[string]model.ModelRating) (Result, error) {
	ordered := OrderMatches(matches)
	seen := dedupe.NewSet(dedupe.WithExpectedSize(len(ordered)))
	states := make(map[string]*state)

	lookup := func(slug string) *state {
		st, ok := states[slug]
		if !ok {
			st = &state{rating: e.defaultRating}
			states[slug] = st
		}
		return st
	}

	for i := range ordered {
		if i%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, fmt.Errorf("elo compute aborted: %w", err)
			}
		}
		m := &ordered[i]
		if err := e.check(ctx, m, seen); err != nil {
			return Result{}, err
		}

		a, b := lookup(m.ModelA), lookup(m.ModelB)
		sa, sb, _ := m.Outcome.Scores()
		ea := Expected(a.rating, b.rating)
		eb := 1 - ea
		a.rating += e.k * (sa - ea)
		b.rating += e.k * (sb - eb)
		a.matches++
		b.matches++
	}

	res := Result{
		Ratings:          make(map[string]model.ModelRating, len(states)),
		MatchesProcessed: len(ordered),
	}
	for slug, st := range states {
		r := model.ModelRating{EpochID: epochID, ModelSlug: slug, EloScore: st.rating, MatchCount: st.matches}
		res.Ratings[slug] = r

		prev, ok := previous[slug]
		switch {
		case !ok:
			res.NewModelsAdded++
			res.ModelsUpdated++
		case prev.EloScore != r.EloScore || prev.MatchCount != r.MatchCount:
			res.ModelsUpdated++
		}
	}

	e.logger.Debug(ctx, "elo computation finished",
		logger.Int64("epoch", epochID),
		logger.Int("matches", res.MatchesProcessed),
		logger.Int("models", len(res.Ratings)),
		logger.Int("new_models", res.NewModelsAdded),
	)
	return res, nil
}

func (e *Engine) check(ctx context.Context, m *model.ModelMatch, seen dedupe.Set) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if seen.SeenAndRecord(ctx, m.MatchID) {
		return model.NewMatchIntegrityError(m.MatchID, "duplicate match id")
	}
	if e.catalog != nil {
		if _, ok := e.catalog[m.ModelA]; !ok {
			return model.NewMatchIntegrityError(m.MatchID, "unknown model "+m.ModelA)
		}
		if _, ok := e.catalog[m.ModelB]; !ok {
			return model.NewMatchIntegrityError(m.MatchID, "unknown model "+m.ModelB)
		}
	}
	return nil
}
