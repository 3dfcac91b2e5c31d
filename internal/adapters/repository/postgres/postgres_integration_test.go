//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/okian/benchrank/internal/adapters/repository"
	"github.com/okian/benchrank/internal/adapters/repository/postgres"
	"github.com/okian/benchrank/internal/domain/model"
)

func startStore(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("benchrank"),
		tcpostgres.WithUsername("bench"),
		tcpostgres.WithPassword("bench"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := postgres.Open(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, postgres.Migrate(ctx, db, nil))
	// A second run is a no-op.
	require.NoError(t, postgres.Migrate(ctx, db, nil))

	s := postgres.New(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Integration(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.AddPrompt(ctx, "p1", "alice"))
	require.NoError(t, s.AddPrompt(ctx, "p2", "alice"))
	require.NoError(t, s.AddPromptSet(ctx, "set-1", "carol", []string{"p1", "p2"}))
	require.NoError(t, s.AddResponse(ctx, "r1", "p2"))
	require.NoError(t, s.AddMatch(ctx, model.ModelMatch{
		MatchID: "m1", PromptID: "p1", ModelA: "x", ModelB: "y", Outcome: model.OutcomeAWins, OccurredAt: t0,
	}))
	require.NoError(t, s.AddSignal(ctx, model.ReviewSignal{
		SignalID: "s1", SourceKind: model.SourceReview, ActorUserID: "u1",
		TargetKind: model.EntityResponse, TargetID: "r1", Weight: 0.5, OccurredAt: t0,
	}))

	t.Run("duplicates are rejected", func(t *testing.T) {
		err := s.AddMatch(ctx, model.ModelMatch{
			MatchID: "m1", PromptID: "p1", ModelA: "x", ModelB: "y", Outcome: model.OutcomeTie, OccurredAt: t0,
		})
		assert.ErrorIs(t, err, repository.ErrDuplicate)
	})

	t.Run("reads honor the horizon", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		matches, err := s.ListEligibleMatches(ctx, past)
		require.NoError(t, err)
		assert.Empty(t, matches)

		now := time.Now().Add(time.Second)
		matches, err = s.ListEligibleMatches(ctx, now)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, model.OutcomeAWins, matches[0].Outcome)
		assert.True(t, matches[0].OccurredAt.Equal(t0))

		signals, err := s.ListEligibleSignals(ctx, now)
		require.NoError(t, err)
		require.Len(t, signals, 1)
		assert.Equal(t, model.EntityResponse, signals[0].TargetKind)

		g, err := s.EntityGraph(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, "alice", g.PromptAuthors["p1"])
		assert.Equal(t, []string{"p1", "p2"}, g.SetMembers["set-1"])
		assert.Equal(t, "p2", g.ResponsePrompts["r1"])
	})

	t.Run("epoch lifecycle and atomic publish", func(t *testing.T) {
		now := time.Now().UTC()
		e, err := s.CreateEpoch(ctx, now, now)
		require.NoError(t, err)
		assert.Equal(t, model.EpochRunning, e.Status)

		ratings := []model.ModelRating{{ModelSlug: "x", EloScore: 1516, MatchCount: 1}, {ModelSlug: "y", EloScore: 1484, MatchCount: 1}}
		scores := []model.SubjectScore{
			{SubjectID: "set-1", Score: nil, SampleSize: 1},
			{SubjectID: "set-2", Score: model.Float(0.75), SampleSize: 4},
		}
		// Persisting twice leaves one row per subject.
		for i := 0; i < 2; i++ {
			require.NoError(t, s.PersistRatings(ctx, e.EpochID, ratings))
			require.NoError(t, s.PersistScores(ctx, e.EpochID, model.KindBenchmarkQuality, scores))
		}
		n, err := s.CountOutputs(ctx, e.EpochID, model.KindModelElo)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		n, err = s.CountOutputs(ctx, e.EpochID, model.KindBenchmarkQuality)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		err = s.PublishCurrentViews(ctx, e.EpochID, model.AllKinds())
		assert.ErrorIs(t, err, model.ErrInvalidTransition)

		require.NoError(t, s.MarkSucceeded(ctx, e.EpochID, model.EpochCounters{MatchesProcessed: 1, ModelsUpdated: 2, NewModelsAdded: 2}, now))
		assert.ErrorIs(t, s.MarkFailed(ctx, e.EpochID, "late", now), model.ErrInvalidTransition)
		assert.ErrorIs(t, s.PersistRatings(ctx, e.EpochID, ratings), model.ErrInvalidTransition)

		require.NoError(t, s.PublishCurrentViews(ctx, e.EpochID, model.AllKinds()))
		views, err := s.CurrentViews(ctx)
		require.NoError(t, err)
		require.Len(t, views, len(model.AllKinds()))
		for _, k := range model.AllKinds() {
			assert.Equal(t, e.EpochID, views[k])
		}

		loaded, err := s.LoadScores(ctx, e.EpochID, model.KindBenchmarkQuality)
		require.NoError(t, err)
		require.Len(t, loaded, 2)
		assert.Nil(t, loaded[0].Score)
		require.NotNil(t, loaded[1].Score)
		assert.InDelta(t, 0.75, *loaded[1].Score, 1e-12)

		got, err := s.GetEpoch(ctx, e.EpochID)
		require.NoError(t, err)
		assert.Equal(t, model.EpochSucceeded, got.Status)
		assert.Equal(t, 2, got.NewModelsAdded)
		assert.NotNil(t, got.CompletedAt)

		assert.ErrorIs(t, s.PruneEpoch(ctx, e.EpochID), model.ErrEpochInUse)
	})

	t.Run("failed epochs are pruned and never published", func(t *testing.T) {
		now := time.Now().UTC()
		e, err := s.CreateEpoch(ctx, now, now)
		require.NoError(t, err)
		require.NoError(t, s.PersistRatings(ctx, e.EpochID, []model.ModelRating{{ModelSlug: "x", EloScore: 1, MatchCount: 1}}))
		require.NoError(t, s.MarkFailed(ctx, e.EpochID, "boom", now))

		assert.ErrorIs(t, s.PublishCurrentViews(ctx, e.EpochID, model.AllKinds()), model.ErrInvalidTransition)
		require.NoError(t, s.PruneEpoch(ctx, e.EpochID))

		rows, err := s.LoadRatings(ctx, e.EpochID)
		require.NoError(t, err)
		assert.Empty(t, rows)

		got, err := s.GetEpoch(ctx, e.EpochID)
		require.NoError(t, err)
		assert.True(t, got.Pruned())
		assert.Equal(t, "boom", got.Error)

		epochs, err := s.ListEpochs(ctx, 1)
		require.NoError(t, err)
		require.Len(t, epochs, 1)
		assert.Equal(t, e.EpochID, epochs[0].EpochID)
	})

	t.Run("views only move backwards on rollback", func(t *testing.T) {
		now := time.Now().UTC()
		older, err := s.CreateEpoch(ctx, now, now)
		require.NoError(t, err)
		require.NoError(t, s.MarkSucceeded(ctx, older.EpochID, model.EpochCounters{}, now))
		newer, err := s.CreateEpoch(ctx, now, now)
		require.NoError(t, err)
		require.NoError(t, s.MarkSucceeded(ctx, newer.EpochID, model.EpochCounters{}, now))

		require.NoError(t, s.PublishCurrentViews(ctx, newer.EpochID, model.AllKinds()))
		assert.ErrorIs(t, s.PublishCurrentViews(ctx, older.EpochID, model.AllKinds()), model.ErrEpochSuperseded)

		views, err := s.CurrentViews(ctx)
		require.NoError(t, err)
		assert.Equal(t, newer.EpochID, views[model.KindModelElo])

		require.NoError(t, s.RollbackCurrentViews(ctx, older.EpochID, model.AllKinds()))
		views, err = s.CurrentViews(ctx)
		require.NoError(t, err)
		assert.Equal(t, older.EpochID, views[model.KindModelElo])

		require.NoError(t, s.PublishCurrentViews(ctx, newer.EpochID, model.AllKinds()))
	})

	t.Run("unknown epochs", func(t *testing.T) {
		_, err := s.GetEpoch(ctx, 9999)
		assert.ErrorIs(t, err, model.ErrEpochNotFound)
		assert.ErrorIs(t, s.MarkSucceeded(ctx, 9999, model.EpochCounters{}, time.Now()), model.ErrEpochNotFound)
	})
}
