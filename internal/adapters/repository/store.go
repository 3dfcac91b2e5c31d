// Package repository defines the storage interfaces of the ranking engine,
// an in-memory implementation, and the read-side ranking projections.
package repository

import (
	"context"
	"time"

	"github.com/okian/benchrank/internal/domain/model"
)

// MatchStore reads recorded pairwise matches.
type MatchStore interface {
	// ListEligibleMatches returns every match recorded at or before asOf.
	ListEligibleMatches(ctx context.Context, asOf time.Time) ([]model.ModelMatch, error)
}

// SignalStore reads review signals and the entity graph they refer to.
type SignalStore interface {
	// ListEligibleSignals returns every signal recorded at or before asOf.
	ListEligibleSignals(ctx context.Context, asOf time.Time) ([]model.ReviewSignal, error)
	// EntityGraph returns prompts, prompt sets and responses recorded at or before asOf.
	EntityGraph(ctx context.Context, asOf time.Time) (model.EntityGraph, error)
}

// EpochStore owns the computation epoch lifecycle.
type EpochStore interface {
	// CreateEpoch allocates the next epoch id in RUNNING state.
	CreateEpoch(ctx context.Context, startedAt, asOf time.Time) (model.ComputationEpoch, error)
	// MarkSucceeded moves a RUNNING epoch to SUCCEEDED with its counters.
	MarkSucceeded(ctx context.Context, epochID int64, counters model.EpochCounters, completedAt time.Time) error
	// MarkFailed moves a RUNNING epoch to FAILED.
	MarkFailed(ctx context.Context, epochID int64, reason string, completedAt time.Time) error
	// GetEpoch returns one epoch or model.ErrEpochNotFound.
	GetEpoch(ctx context.Context, epochID int64) (model.ComputationEpoch, error)
	// ListEpochs returns epochs newest first. limit <= 0 returns all.
	ListEpochs(ctx context.Context, limit int) ([]model.ComputationEpoch, error)
}

// OutputStore holds the per-epoch output rows. Rows are only written while
// their epoch is RUNNING, and writes are idempotent upserts.
type OutputStore interface {
	PersistRatings(ctx context.Context, epochID int64, rows []model.ModelRating) error
	PersistScores(ctx context.Context, epochID int64, kind model.RankingKind, rows []model.SubjectScore) error
	CountOutputs(ctx context.Context, epochID int64, kind model.RankingKind) (int, error)
	LoadRatings(ctx context.Context, epochID int64) ([]model.ModelRating, error)
	LoadScores(ctx context.Context, epochID int64, kind model.RankingKind) ([]model.SubjectScore, error)
	// PruneEpoch deletes an epoch's output rows. It refuses epochs that are
	// current for any kind with model.ErrEpochInUse.
	PruneEpoch(ctx context.Context, epochID int64) error
}

// ViewStore holds the current-epoch pointer of every ranking kind.
type ViewStore interface {
	// PublishCurrentViews points every kind at epochID in one atomic step.
	// The epoch must be SUCCEEDED and not pruned, and no kind may already
	// point at a newer epoch (model.ErrEpochSuperseded).
	PublishCurrentViews(ctx context.Context, epochID int64, kinds []model.RankingKind) error
	// RollbackCurrentViews is PublishCurrentViews without the ordering
	// check, for deliberately re-pointing at an older epoch.
	RollbackCurrentViews(ctx context.Context, epochID int64, kinds []model.RankingKind) error
	// CurrentViews returns the published epoch of each kind that has one.
	CurrentViews(ctx context.Context) (map[model.RankingKind]int64, error)
}

// Store is the full storage surface the orchestrator needs.
type Store interface {
	MatchStore
	SignalStore
	EpochStore
	OutputStore
	ViewStore
}

// ViewReader is what projections need to rebuild themselves.
type ViewReader interface {
	CurrentViews(ctx context.Context) (map[model.RankingKind]int64, error)
	LoadRatings(ctx context.Context, epochID int64) ([]model.ModelRating, error)
	LoadScores(ctx context.Context, epochID int64, kind model.RankingKind) ([]model.SubjectScore, error)
}
