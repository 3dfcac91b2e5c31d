// Package postgres is the PostgreSQL implementation of the repository
// interfaces. Inputs are read at a fixed horizon on recorded_at, output rows
// are upserted per (epoch, subject), and the current-view pointers flip in
// one transaction.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/okian/benchrank/internal/adapters/repository"
	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/internal/tracing"
	"github.com/okian/benchrank/pkg/logger"
	"github.com/okian/benchrank/pkg/metrics"
)

const (
	matchesTable    = "model_matches"
	signalsTable    = "review_signals"
	promptsTable    = "prompts"
	setsTable       = "prompt_sets"
	membersTable    = "prompt_set_members"
	responsesTable  = "model_responses"
	epochsTable     = "computation_epochs"
	ratingsTable    = "model_ratings"
	scoresTable     = "subject_scores"
	viewsTable      = "current_views"
	uniqueViolation = "23505"

	// Keeps a single upsert well under the 65535 bind parameter limit.
	upsertBatchSize = 1000
)

var (
	matchStruct  = sqlbuilder.NewStruct(new(model.ModelMatch)).For(sqlbuilder.PostgreSQL)
	signalStruct = sqlbuilder.NewStruct(new(model.ReviewSignal)).For(sqlbuilder.PostgreSQL)
	epochStruct  = sqlbuilder.NewStruct(new(model.ComputationEpoch)).For(sqlbuilder.PostgreSQL)
	ratingStruct = sqlbuilder.NewStruct(new(model.ModelRating)).For(sqlbuilder.PostgreSQL)
	scoreStruct  = sqlbuilder.NewStruct(new(model.SubjectScore)).For(sqlbuilder.PostgreSQL)
)

// Store implements repository.Store on PostgreSQL.
type Store struct {
	db     *sqlx.DB
	logger logger.Logger
}

var _ repository.Store = (*Store)(nil)

// Option applies a configuration option to the Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// New wraps an open database.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func observe(op string, start time.Time) {
	metrics.RecordStoreLatency(op, float64(time.Since(start).Milliseconds()))
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error(ctx, "rollback failed", logger.Error(rbErr))
			}
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// AddMatch records a match.
func (s *Store) AddMatch(ctx context.Context, m model.ModelMatch) (err error) { //nolint:gocritic // hugeParam
	ctx, end := tracing.StartDBSpan(ctx, matchesTable, tracing.DBOperationInsert)
	defer func() { end(err) }()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(matchesTable).
		Cols("match_id", "prompt_id", "model_a", "model_b", "outcome", "occurred_at", "is_shareable").
		Values(m.MatchID, m.PromptID, m.ModelA, m.ModelB, string(m.Outcome), m.OccurredAt, m.IsShareable)
	query, args := ib.Build()
	if _, err = s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("match %s: %w", m.MatchID, repository.ErrDuplicate)
		}
		return fmt.Errorf("insert match %s: %w", m.MatchID, err)
	}
	return nil
}

// AddSignal records a review signal.
func (s *Store) AddSignal(ctx context.Context, sig model.ReviewSignal) (err error) { //nolint:gocritic // hugeParam
	ctx, end := tracing.StartDBSpan(ctx, signalsTable, tracing.DBOperationInsert)
	defer func() { end(err) }()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(signalsTable).
		Cols("signal_id", "source_kind", "actor_user_id", "target_kind", "target_id", "weight", "occurred_at").
		Values(sig.SignalID, string(sig.SourceKind), sig.ActorUserID, string(sig.TargetKind), sig.TargetID, sig.Weight, sig.OccurredAt)
	query, args := ib.Build()
	if _, err = s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("signal %s: %w", sig.SignalID, repository.ErrDuplicate)
		}
		return fmt.Errorf("insert signal %s: %w", sig.SignalID, err)
	}
	return nil
}

// AddPrompt records a prompt and its author.
func (s *Store) AddPrompt(ctx context.Context, promptID, authorID string) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, promptsTable, tracing.DBOperationInsert)
	defer func() { end(err) }()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(promptsTable).Cols("prompt_id", "author_user_id").Values(promptID, authorID)
	query, args := ib.Build()
	if _, err = s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("prompt %s: %w", promptID, repository.ErrDuplicate)
		}
		return fmt.Errorf("insert prompt %s: %w", promptID, err)
	}
	return nil
}

// AddPromptSet records a prompt set with its members.
func (s *Store) AddPromptSet(ctx context.Context, setID, authorID string, members []string) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, setsTable, tracing.DBOperationInsert)
	defer func() { end(err) }()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
		ib.InsertInto(setsTable).Cols("set_id", "author_user_id").Values(setID, authorID)
		query, args := ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("prompt set %s: %w", setID, repository.ErrDuplicate)
			}
			return fmt.Errorf("insert prompt set %s: %w", setID, err)
		}
		if len(members) == 0 {
			return nil
		}
		mb := sqlbuilder.PostgreSQL.NewInsertBuilder()
		mb.InsertInto(membersTable).Cols("set_id", "prompt_id")
		for _, p := range members {
			mb.Values(setID, p)
		}
		mb.SQL("ON CONFLICT DO NOTHING")
		query, args = mb.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert members of %s: %w", setID, err)
		}
		return nil
	})
}

// AddResponse records a model response to a prompt.
func (s *Store) AddResponse(ctx context.Context, responseID, promptID string) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, responsesTable, tracing.DBOperationInsert)
	defer func() { end(err) }()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(responsesTable).Cols("response_id", "prompt_id").Values(responseID, promptID)
	query, args := ib.Build()
	if _, err = s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("response %s: %w", responseID, repository.ErrDuplicate)
		}
		return fmt.Errorf("insert response %s: %w", responseID, err)
	}
	return nil
}

// ListEligibleMatches implements repository.MatchStore.
func (s *Store) ListEligibleMatches(ctx context.Context, asOf time.Time) (out []model.ModelMatch, err error) {
	defer observe("list_matches", time.Now())
	ctx, end := tracing.StartDBSpan(ctx, matchesTable, tracing.DBOperationQuery)
	defer func() { end(err) }()

	sb := matchStruct.SelectFrom(matchesTable)
	sb.Where(sb.LessEqualThan("recorded_at", asOf))
	sb.OrderBy("occurred_at", "match_id")
	query, args := sb.Build()
	if err = s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list matches: %w", err)
	}
	return out, nil
}

// ListEligibleSignals implements repository.SignalStore.
func (s *Store) ListEligibleSignals(ctx context.Context, asOf time.Time) (out []model.ReviewSignal, err error) {
	defer observe("list_signals", time.Now())
	ctx, end := tracing.StartDBSpan(ctx, signalsTable, tracing.DBOperationQuery)
	defer func() { end(err) }()

	sb := signalStruct.SelectFrom(signalsTable)
	sb.Where(sb.LessEqualThan("recorded_at", asOf))
	sb.OrderBy("occurred_at", "signal_id")
	query, args := sb.Build()
	if err = s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	return out, nil
}

type pairRow struct {
	Key   string `db:"k"`
	Value string `db:"v"`
}

func (s *Store) pairs(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]pairRow, error) {
	var rows []pairRow
	query, args := sb.Build()
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// EntityGraph implements repository.SignalStore.
func (s *Store) EntityGraph(ctx context.Context, asOf time.Time) (g model.EntityGraph, err error) {
	defer observe("entity_graph", time.Now())
	ctx, end := tracing.StartDBSpan(ctx, "", tracing.DBOperationQuery)
	defer func() { end(err) }()

	g = model.NewEntityGraph()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("prompt_id AS k", "author_user_id AS v").From(promptsTable).Where(sb.LessEqualThan("recorded_at", asOf))
	prompts, err := s.pairs(ctx, sb)
	if err != nil {
		return g, fmt.Errorf("load prompts: %w", err)
	}
	for _, r := range prompts {
		g.PromptAuthors[r.Key] = r.Value
	}

	sb = sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("set_id AS k", "author_user_id AS v").From(setsTable).Where(sb.LessEqualThan("recorded_at", asOf))
	sets, err := s.pairs(ctx, sb)
	if err != nil {
		return g, fmt.Errorf("load prompt sets: %w", err)
	}
	for _, r := range sets {
		g.SetAuthors[r.Key] = r.Value
		g.SetMembers[r.Key] = []string{}
	}

	sb = sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("m.set_id AS k", "m.prompt_id AS v").
		From(membersTable+" m").
		Join(setsTable+" s", "s.set_id = m.set_id").
		Where(sb.LessEqualThan("s.recorded_at", asOf)).
		OrderBy("m.set_id", "m.prompt_id")
	members, err := s.pairs(ctx, sb)
	if err != nil {
		return g, fmt.Errorf("load prompt set members: %w", err)
	}
	for _, r := range members {
		g.SetMembers[r.Key] = append(g.SetMembers[r.Key], r.Value)
	}

	sb = sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("response_id AS k", "prompt_id AS v").From(responsesTable).Where(sb.LessEqualThan("recorded_at", asOf))
	responses, err := s.pairs(ctx, sb)
	if err != nil {
		return g, fmt.Errorf("load responses: %w", err)
	}
	for _, r := range responses {
		g.ResponsePrompts[r.Key] = r.Value
	}
	return g, nil
}

// CreateEpoch implements repository.EpochStore.
func (s *Store) CreateEpoch(ctx context.Context, startedAt, asOf time.Time) (e model.ComputationEpoch, err error) {
	ctx, end := tracing.StartDBSpan(ctx, epochsTable, tracing.DBOperationInsert)
	defer func() { end(err) }()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(epochsTable).
		Cols("status", "started_at", "as_of").
		Values(string(model.EpochRunning), startedAt, asOf).
		Returning("epoch_id")
	query, args := ib.Build()
	var id int64
	if err = s.db.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return e, fmt.Errorf("create epoch: %w", err)
	}
	s.logger.Debug(ctx, "created epoch", logger.Int64("epoch", id))
	return model.ComputationEpoch{EpochID: id, Status: model.EpochRunning, StartedAt: startedAt, AsOf: asOf}, nil
}

// lockEpoch reads the status of epochID inside tx with the given row lock.
func lockEpoch(ctx context.Context, tx *sqlx.Tx, epochID int64, lock string) (model.ComputationEpoch, error) {
	sb := epochStruct.SelectFrom(epochsTable)
	sb.Where(sb.Equal("epoch_id", epochID))
	sb.SQL(lock)
	query, args := sb.Build()
	var e model.ComputationEpoch
	if err := tx.GetContext(ctx, &e, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, fmt.Errorf("epoch %d: %w", epochID, model.ErrEpochNotFound)
		}
		return e, fmt.Errorf("read epoch %d: %w", epochID, err)
	}
	return e, nil
}

func requireRunning(e *model.ComputationEpoch) error {
	if e.Status != model.EpochRunning {
		return fmt.Errorf("epoch %d is %s: %w", e.EpochID, e.Status, model.ErrInvalidTransition)
	}
	return nil
}

func (s *Store) finishEpoch(ctx context.Context, epochID int64, set func(ub *sqlbuilder.UpdateBuilder) []string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		e, err := lockEpoch(ctx, tx, epochID, "FOR UPDATE")
		if err != nil {
			return err
		}
		if err := requireRunning(&e); err != nil {
			return err
		}
		ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
		ub.Update(epochsTable).Set(set(ub)...).Where(ub.Equal("epoch_id", epochID))
		query, args := ub.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update epoch %d: %w", epochID, err)
		}
		return nil
	})
}

// MarkSucceeded implements repository.EpochStore.
func (s *Store) MarkSucceeded(ctx context.Context, epochID int64, c model.EpochCounters, completedAt time.Time) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, epochsTable, tracing.DBOperationUpdate)
	defer func() { end(err) }()

	return s.finishEpoch(ctx, epochID, func(ub *sqlbuilder.UpdateBuilder) []string {
		return []string{
			ub.Assign("status", string(model.EpochSucceeded)),
			ub.Assign("completed_at", completedAt),
			ub.Assign("matches_processed", c.MatchesProcessed),
			ub.Assign("models_updated", c.ModelsUpdated),
			ub.Assign("new_models_added", c.NewModelsAdded),
			ub.Assign("signals_processed", c.SignalsProcessed),
			ub.Assign("signals_skipped", c.SignalsSkipped),
			ub.Assign("elapsed_ms", c.ElapsedMs),
		}
	})
}

// MarkFailed implements repository.EpochStore.
func (s *Store) MarkFailed(ctx context.Context, epochID int64, reason string, completedAt time.Time) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, epochsTable, tracing.DBOperationUpdate)
	defer func() { end(err) }()

	return s.finishEpoch(ctx, epochID, func(ub *sqlbuilder.UpdateBuilder) []string {
		return []string{
			ub.Assign("status", string(model.EpochFailed)),
			ub.Assign("completed_at", completedAt),
			ub.Assign("error", reason),
		}
	})
}

// GetEpoch implements repository.EpochStore.
func (s *Store) GetEpoch(ctx context.Context, epochID int64) (e model.ComputationEpoch, err error) {
	ctx, end := tracing.StartDBSpan(ctx, epochsTable, tracing.DBOperationQuery)
	defer func() { end(err) }()

	sb := epochStruct.SelectFrom(epochsTable)
	sb.Where(sb.Equal("epoch_id", epochID))
	query, args := sb.Build()
	if err = s.db.GetContext(ctx, &e, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, fmt.Errorf("epoch %d: %w", epochID, model.ErrEpochNotFound)
		}
		return e, fmt.Errorf("get epoch %d: %w", epochID, err)
	}
	return e, nil
}

// ListEpochs implements repository.EpochStore.
func (s *Store) ListEpochs(ctx context.Context, limit int) (out []model.ComputationEpoch, err error) {
	ctx, end := tracing.StartDBSpan(ctx, epochsTable, tracing.DBOperationQuery)
	defer func() { end(err) }()

	sb := epochStruct.SelectFrom(epochsTable)
	sb.OrderBy("epoch_id").Desc()
	if limit > 0 {
		sb.Limit(limit)
	}
	query, args := sb.Build()
	if err = s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list epochs: %w", err)
	}
	return out, nil
}

// PersistRatings implements repository.OutputStore.
func (s *Store) PersistRatings(ctx context.Context, epochID int64, rows []model.ModelRating) (err error) {
	defer observe("persist_ratings", time.Now())
	ctx, end := tracing.StartDBSpan(ctx, ratingsTable, tracing.DBOperationInsert)
	defer func() { end(err) }()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		e, err := lockEpoch(ctx, tx, epochID, "FOR SHARE")
		if err != nil {
			return err
		}
		if err := requireRunning(&e); err != nil {
			return err
		}
		for start := 0; start < len(rows); start += upsertBatchSize {
			stop := min(start+upsertBatchSize, len(rows))
			ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
			ib.InsertInto(ratingsTable).Cols("epoch_id", "model_slug", "elo_score", "match_count")
			for _, r := range rows[start:stop] {
				ib.Values(epochID, r.ModelSlug, r.EloScore, r.MatchCount)
			}
			ib.SQL("ON CONFLICT (epoch_id, model_slug) DO UPDATE SET elo_score = EXCLUDED.elo_score, match_count = EXCLUDED.match_count")
			query, args := ib.Build()
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("upsert ratings for epoch %d: %w", epochID, err)
			}
		}
		return nil
	})
}

// PersistScores implements repository.OutputStore.
func (s *Store) PersistScores(ctx context.Context, epochID int64, kind model.RankingKind, rows []model.SubjectScore) (err error) {
	defer observe("persist_scores", time.Now())
	ctx, end := tracing.StartDBSpan(ctx, scoresTable, tracing.DBOperationInsert)
	defer func() { end(err) }()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		e, err := lockEpoch(ctx, tx, epochID, "FOR SHARE")
		if err != nil {
			return err
		}
		if err := requireRunning(&e); err != nil {
			return err
		}
		for start := 0; start < len(rows); start += upsertBatchSize {
			stop := min(start+upsertBatchSize, len(rows))
			ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
			ib.InsertInto(scoresTable).Cols("epoch_id", "kind", "subject_id", "score", "sample_size")
			for _, r := range rows[start:stop] {
				ib.Values(epochID, string(kind), r.SubjectID, r.Score, r.SampleSize)
			}
			ib.SQL("ON CONFLICT (epoch_id, kind, subject_id) DO UPDATE SET score = EXCLUDED.score, sample_size = EXCLUDED.sample_size")
			query, args := ib.Build()
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("upsert %s scores for epoch %d: %w", kind, epochID, err)
			}
		}
		return nil
	})
}

// CountOutputs implements repository.OutputStore.
func (s *Store) CountOutputs(ctx context.Context, epochID int64, kind model.RankingKind) (n int, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "", tracing.DBOperationQuery)
	defer func() { end(err) }()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	if kind == model.KindModelElo {
		sb.Select("COUNT(*)").From(ratingsTable).Where(sb.Equal("epoch_id", epochID))
	} else {
		sb.Select("COUNT(*)").From(scoresTable).Where(sb.Equal("epoch_id", epochID), sb.Equal("kind", string(kind)))
	}
	query, args := sb.Build()
	if err = s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("count %s outputs for epoch %d: %w", kind, epochID, err)
	}
	return n, nil
}

// LoadRatings implements repository.OutputStore.
func (s *Store) LoadRatings(ctx context.Context, epochID int64) (out []model.ModelRating, err error) {
	defer observe("load_ratings", time.Now())
	ctx, end := tracing.StartDBSpan(ctx, ratingsTable, tracing.DBOperationQuery)
	defer func() { end(err) }()

	sb := ratingStruct.SelectFrom(ratingsTable)
	sb.Where(sb.Equal("epoch_id", epochID))
	sb.OrderBy("model_slug")
	query, args := sb.Build()
	if err = s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("load ratings for epoch %d: %w", epochID, err)
	}
	return out, nil
}

// LoadScores implements repository.OutputStore.
func (s *Store) LoadScores(ctx context.Context, epochID int64, kind model.RankingKind) (out []model.SubjectScore, err error) {
	defer observe("load_scores", time.Now())
	ctx, end := tracing.StartDBSpan(ctx, scoresTable, tracing.DBOperationQuery)
	defer func() { end(err) }()

	sb := scoreStruct.SelectFrom(scoresTable)
	sb.Where(sb.Equal("epoch_id", epochID), sb.Equal("kind", string(kind)))
	sb.OrderBy("subject_id")
	query, args := sb.Build()
	if err = s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("load %s scores for epoch %d: %w", kind, epochID, err)
	}
	return out, nil
}

// PruneEpoch implements repository.OutputStore.
func (s *Store) PruneEpoch(ctx context.Context, epochID int64) (err error) {
	defer observe("prune_epoch", time.Now())
	ctx, end := tracing.StartDBSpan(ctx, "", tracing.DBOperationDelete)
	defer func() { end(err) }()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		e, err := lockEpoch(ctx, tx, epochID, "FOR UPDATE")
		if err != nil {
			return err
		}
		if e.Status == model.EpochRunning {
			return fmt.Errorf("epoch %d is running: %w", epochID, model.ErrInvalidTransition)
		}

		sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
		sb.Select("COUNT(*)").From(viewsTable).Where(sb.Equal("epoch_id", epochID))
		query, args := sb.Build()
		var inUse int
		if err := tx.GetContext(ctx, &inUse, query, args...); err != nil {
			return fmt.Errorf("check views for epoch %d: %w", epochID, err)
		}
		if inUse > 0 {
			return fmt.Errorf("epoch %d: %w", epochID, model.ErrEpochInUse)
		}

		for _, table := range []string{ratingsTable, scoresTable} {
			db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
			db.DeleteFrom(table).Where(db.Equal("epoch_id", epochID))
			query, args := db.Build()
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("delete %s for epoch %d: %w", table, epochID, err)
			}
		}

		ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
		ub.Update(epochsTable).
			Set(ub.Assign("pruned_at", sqlbuilder.Raw("COALESCE(pruned_at, NOW())"))).
			Where(ub.Equal("epoch_id", epochID))
		query, args = ub.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("mark epoch %d pruned: %w", epochID, err)
		}
		return nil
	})
}

// PublishCurrentViews implements repository.ViewStore.
func (s *Store) PublishCurrentViews(ctx context.Context, epochID int64, kinds []model.RankingKind) (err error) {
	defer observe("publish_views", time.Now())
	ctx, end := tracing.StartDBSpan(ctx, viewsTable, tracing.DBOperationUpdate)
	defer func() { end(err) }()
	return s.flipViews(ctx, epochID, kinds, false)
}

// RollbackCurrentViews implements repository.ViewStore.
func (s *Store) RollbackCurrentViews(ctx context.Context, epochID int64, kinds []model.RankingKind) (err error) {
	defer observe("rollback_views", time.Now())
	ctx, end := tracing.StartDBSpan(ctx, viewsTable, tracing.DBOperationUpdate)
	defer func() { end(err) }()
	return s.flipViews(ctx, epochID, kinds, true)
}

func (s *Store) flipViews(ctx context.Context, epochID int64, kinds []model.RankingKind, backwards bool) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		e, err := lockEpoch(ctx, tx, epochID, "FOR SHARE")
		if err != nil {
			return err
		}
		if e.Status != model.EpochSucceeded || e.Pruned() {
			return fmt.Errorf("epoch %d is %s: %w", epochID, e.Status, model.ErrInvalidTransition)
		}
		if len(kinds) == 0 {
			return nil
		}

		// Serializes concurrent flips, including the first one when no row exists yet.
		if _, err := tx.ExecContext(ctx, "LOCK TABLE "+viewsTable+" IN SHARE ROW EXCLUSIVE MODE"); err != nil {
			return fmt.Errorf("lock %s: %w", viewsTable, err)
		}
		if !backwards {
			names := make([]interface{}, 0, len(kinds))
			for _, k := range kinds {
				names = append(names, string(k))
			}
			sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
			sb.Select("COALESCE(MAX(epoch_id), 0)").From(viewsTable).Where(sb.In("kind", names...))
			query, args := sb.Build()
			var newest int64
			if err := tx.GetContext(ctx, &newest, query, args...); err != nil {
				return fmt.Errorf("read current views: %w", err)
			}
			if newest > epochID {
				return fmt.Errorf("epoch %d: views are at epoch %d: %w", epochID, newest, model.ErrEpochSuperseded)
			}
		}

		ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
		ib.InsertInto(viewsTable).Cols("kind", "epoch_id")
		for _, k := range kinds {
			ib.Values(string(k), epochID)
		}
		ib.SQL("ON CONFLICT (kind) DO UPDATE SET epoch_id = EXCLUDED.epoch_id")
		query, args := ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("publish epoch %d: %w", epochID, err)
		}
		return nil
	})
}

// CurrentViews implements repository.ViewStore.
func (s *Store) CurrentViews(ctx context.Context) (views map[model.RankingKind]int64, err error) {
	ctx, end := tracing.StartDBSpan(ctx, viewsTable, tracing.DBOperationQuery)
	defer func() { end(err) }()

	var rows []struct {
		Kind    string `db:"kind"`
		EpochID int64  `db:"epoch_id"`
	}
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("kind", "epoch_id").From(viewsTable)
	query, args := sb.Build()
	if err = s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("load current views: %w", err)
	}
	views = make(map[model.RankingKind]int64, len(rows))
	for _, r := range rows {
		views[model.RankingKind(r.Kind)] = r.EpochID
	}
	return views, nil
}
