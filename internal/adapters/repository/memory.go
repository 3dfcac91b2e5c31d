package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/pkg/metrics"
)

type recordedMatch struct {
	match      model.ModelMatch
	recordedAt time.Time
}

type recordedSignal struct {
	signal     model.ReviewSignal
	recordedAt time.Time
}

type authored struct {
	author     string
	recordedAt time.Time
}

type promptSet struct {
	author     string
	members    []string
	recordedAt time.Time
}

type response struct {
	prompt     string
	recordedAt time.Time
}

type scoreKey struct {
	kind    model.RankingKind
	subject string
}

type epochOutputs struct {
	ratings map[string]model.ModelRating
	scores  map[scoreKey]model.SubjectScore
}

// MemoryStore is an in-process Store. Inputs carry the time they were
// recorded so reads at a fixed horizon behave like the database store.
type MemoryStore struct {
	mu    sync.RWMutex
	clock func() time.Time

	matches   []recordedMatch
	matchIDs  map[string]struct{}
	signals   []recordedSignal
	signalIDs map[string]struct{}
	prompts   map[string]authored
	sets      map[string]promptSet
	responses map[string]response

	nextEpoch int64
	epochs    map[int64]*model.ComputationEpoch
	outputs   map[int64]*epochOutputs
	views     map[model.RankingKind]int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		clock:     time.Now,
		matchIDs:  make(map[string]struct{}),
		signalIDs: make(map[string]struct{}),
		prompts:   make(map[string]authored),
		sets:      make(map[string]promptSet),
		responses: make(map[string]response),
		epochs:    make(map[int64]*model.ComputationEpoch),
		outputs:   make(map[int64]*epochOutputs),
		views:     make(map[model.RankingKind]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func observe(op string, start time.Time) {
	metrics.RecordStoreLatency(op, float64(time.Since(start).Milliseconds()))
}

// AddMatch records a match. Records are stored as given; validation is the
// engine's job. A repeated match id is rejected with ErrDuplicate.
func (s *MemoryStore) AddMatch(_ context.Context, m model.ModelMatch) error { //nolint:gocritic // hugeParam
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matchIDs[m.MatchID]; ok && m.MatchID != "" {
		return fmt.Errorf("match %s: %w", m.MatchID, ErrDuplicate)
	}
	s.matchIDs[m.MatchID] = struct{}{}
	s.matches = append(s.matches, recordedMatch{match: m, recordedAt: s.clock()})
	return nil
}

// AddSignal records a review signal. A repeated signal id is rejected with
// ErrDuplicate.
func (s *MemoryStore) AddSignal(_ context.Context, sig model.ReviewSignal) error { //nolint:gocritic // hugeParam
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.signalIDs[sig.SignalID]; ok && sig.SignalID != "" {
		return fmt.Errorf("signal %s: %w", sig.SignalID, ErrDuplicate)
	}
	s.signalIDs[sig.SignalID] = struct{}{}
	s.signals = append(s.signals, recordedSignal{signal: sig, recordedAt: s.clock()})
	return nil
}

// AddPrompt records a prompt and its author.
func (s *MemoryStore) AddPrompt(_ context.Context, promptID, authorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prompts[promptID]; ok {
		return fmt.Errorf("prompt %s: %w", promptID, ErrDuplicate)
	}
	s.prompts[promptID] = authored{author: authorID, recordedAt: s.clock()}
	return nil
}

// AddPromptSet records a prompt set, its author and its member prompts.
func (s *MemoryStore) AddPromptSet(_ context.Context, setID, authorID string, members []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sets[setID]; ok {
		return fmt.Errorf("prompt set %s: %w", setID, ErrDuplicate)
	}
	s.sets[setID] = promptSet{author: authorID, members: append([]string(nil), members...), recordedAt: s.clock()}
	return nil
}

// AddResponse records a model response to a prompt.
func (s *MemoryStore) AddResponse(_ context.Context, responseID, promptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.responses[responseID]; ok {
		return fmt.Errorf("response %s: %w", responseID, ErrDuplicate)
	}
	s.responses[responseID] = response{prompt: promptID, recordedAt: s.clock()}
	return nil
}

// ListEligibleMatches implements MatchStore.
func (s *MemoryStore) ListEligibleMatches(_ context.Context, asOf time.Time) ([]model.ModelMatch, error) {
	defer observe("list_matches", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ModelMatch, 0, len(s.matches))
	for _, rm := range s.matches {
		if !rm.recordedAt.After(asOf) {
			out = append(out, rm.match)
		}
	}
	return out, nil
}

// ListEligibleSignals implements SignalStore.
func (s *MemoryStore) ListEligibleSignals(_ context.Context, asOf time.Time) ([]model.ReviewSignal, error) {
	defer observe("list_signals", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ReviewSignal, 0, len(s.signals))
	for _, rs := range s.signals {
		if !rs.recordedAt.After(asOf) {
			out = append(out, rs.signal)
		}
	}
	return out, nil
}

// EntityGraph implements SignalStore.
func (s *MemoryStore) EntityGraph(_ context.Context, asOf time.Time) (model.EntityGraph, error) {
	defer observe("entity_graph", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	g := model.NewEntityGraph()
	for id, p := range s.prompts {
		if !p.recordedAt.After(asOf) {
			g.PromptAuthors[id] = p.author
		}
	}
	for id, ps := range s.sets {
		if ps.recordedAt.After(asOf) {
			continue
		}
		g.SetAuthors[id] = ps.author
		g.SetMembers[id] = append([]string(nil), ps.members...)
	}
	for id, r := range s.responses {
		if !r.recordedAt.After(asOf) {
			g.ResponsePrompts[id] = r.prompt
		}
	}
	return g, nil
}

// CreateEpoch implements EpochStore.
func (s *MemoryStore) CreateEpoch(_ context.Context, startedAt, asOf time.Time) (model.ComputationEpoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEpoch++
	e := &model.ComputationEpoch{
		EpochID:   s.nextEpoch,
		Status:    model.EpochRunning,
		StartedAt: startedAt,
		AsOf:      asOf,
	}
	s.epochs[e.EpochID] = e
	s.outputs[e.EpochID] = &epochOutputs{
		ratings: make(map[string]model.ModelRating),
		scores:  make(map[scoreKey]model.SubjectScore),
	}
	return *e, nil
}

func (s *MemoryStore) runningEpoch(epochID int64) (*model.ComputationEpoch, error) {
	e, ok := s.epochs[epochID]
	if !ok {
		return nil, fmt.Errorf("epoch %d: %w", epochID, model.ErrEpochNotFound)
	}
	if e.Status != model.EpochRunning {
		return nil, fmt.Errorf("epoch %d is %s: %w", epochID, e.Status, model.ErrInvalidTransition)
	}
	return e, nil
}

// MarkSucceeded implements EpochStore.
func (s *MemoryStore) MarkSucceeded(_ context.Context, epochID int64, c model.EpochCounters, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.runningEpoch(epochID)
	if err != nil {
		return err
	}
	e.Status = model.EpochSucceeded
	e.CompletedAt = &completedAt
	e.MatchesProcessed = c.MatchesProcessed
	e.ModelsUpdated = c.ModelsUpdated
	e.NewModelsAdded = c.NewModelsAdded
	e.SignalsProcessed = c.SignalsProcessed
	e.SignalsSkipped = c.SignalsSkipped
	e.ElapsedMs = c.ElapsedMs
	return nil
}

// MarkFailed implements EpochStore.
func (s *MemoryStore) MarkFailed(_ context.Context, epochID int64, reason string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.runningEpoch(epochID)
	if err != nil {
		return err
	}
	e.Status = model.EpochFailed
	e.CompletedAt = &completedAt
	e.Error = reason
	return nil
}

// GetEpoch implements EpochStore.
func (s *MemoryStore) GetEpoch(_ context.Context, epochID int64) (model.ComputationEpoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.epochs[epochID]
	if !ok {
		return model.ComputationEpoch{}, fmt.Errorf("epoch %d: %w", epochID, model.ErrEpochNotFound)
	}
	return *e, nil
}

// ListEpochs implements EpochStore.
func (s *MemoryStore) ListEpochs(_ context.Context, limit int) ([]model.ComputationEpoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ComputationEpoch, 0, len(s.epochs))
	for _, e := range s.epochs {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EpochID > out[j].EpochID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PersistRatings implements OutputStore.
func (s *MemoryStore) PersistRatings(_ context.Context, epochID int64, rows []model.ModelRating) error {
	defer observe("persist_ratings", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.runningEpoch(epochID); err != nil {
		return err
	}
	out := s.outputs[epochID]
	for _, r := range rows {
		r.EpochID = epochID
		out.ratings[r.ModelSlug] = r
	}
	return nil
}

// PersistScores implements OutputStore.
func (s *MemoryStore) PersistScores(_ context.Context, epochID int64, kind model.RankingKind, rows []model.SubjectScore) error {
	defer observe("persist_scores", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.runningEpoch(epochID); err != nil {
		return err
	}
	out := s.outputs[epochID]
	for _, r := range rows {
		r.EpochID = epochID
		r.Kind = kind
		if r.Score != nil {
			v := *r.Score
			r.Score = &v
		}
		out.scores[scoreKey{kind: kind, subject: r.SubjectID}] = r
	}
	return nil
}

// CountOutputs implements OutputStore.
func (s *MemoryStore) CountOutputs(_ context.Context, epochID int64, kind model.RankingKind) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[epochID]
	if !ok {
		return 0, fmt.Errorf("epoch %d: %w", epochID, model.ErrEpochNotFound)
	}
	if kind == model.KindModelElo {
		return len(out.ratings), nil
	}
	n := 0
	for k := range out.scores {
		if k.kind == kind {
			n++
		}
	}
	return n, nil
}

// LoadRatings implements OutputStore. Rows are ordered by model slug.
func (s *MemoryStore) LoadRatings(_ context.Context, epochID int64) ([]model.ModelRating, error) {
	defer observe("load_ratings", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[epochID]
	if !ok {
		return nil, fmt.Errorf("epoch %d: %w", epochID, model.ErrEpochNotFound)
	}
	rows := make([]model.ModelRating, 0, len(out.ratings))
	for _, r := range out.ratings {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ModelSlug < rows[j].ModelSlug })
	return rows, nil
}

// LoadScores implements OutputStore. Rows are ordered by subject.
func (s *MemoryStore) LoadScores(_ context.Context, epochID int64, kind model.RankingKind) ([]model.SubjectScore, error) {
	defer observe("load_scores", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[epochID]
	if !ok {
		return nil, fmt.Errorf("epoch %d: %w", epochID, model.ErrEpochNotFound)
	}
	rows := make([]model.SubjectScore, 0)
	for k, r := range out.scores {
		if k.kind != kind {
			continue
		}
		if r.Score != nil {
			v := *r.Score
			r.Score = &v
		}
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SubjectID < rows[j].SubjectID })
	return rows, nil
}

// PruneEpoch implements OutputStore.
func (s *MemoryStore) PruneEpoch(_ context.Context, epochID int64) error {
	defer observe("prune_epoch", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.epochs[epochID]
	if !ok {
		return fmt.Errorf("epoch %d: %w", epochID, model.ErrEpochNotFound)
	}
	if e.Status == model.EpochRunning {
		return fmt.Errorf("epoch %d is running: %w", epochID, model.ErrInvalidTransition)
	}
	for kind, current := range s.views {
		if current == epochID {
			return fmt.Errorf("epoch %d is current for %s: %w", epochID, kind, model.ErrEpochInUse)
		}
	}
	s.outputs[epochID] = &epochOutputs{
		ratings: make(map[string]model.ModelRating),
		scores:  make(map[scoreKey]model.SubjectScore),
	}
	if e.PrunedAt == nil {
		now := s.clock()
		e.PrunedAt = &now
	}
	return nil
}

// PublishCurrentViews implements ViewStore.
func (s *MemoryStore) PublishCurrentViews(_ context.Context, epochID int64, kinds []model.RankingKind) error {
	defer observe("publish_views", time.Now())
	return s.flipViews(epochID, kinds, false)
}

// RollbackCurrentViews implements ViewStore.
func (s *MemoryStore) RollbackCurrentViews(_ context.Context, epochID int64, kinds []model.RankingKind) error {
	defer observe("rollback_views", time.Now())
	return s.flipViews(epochID, kinds, true)
}

func (s *MemoryStore) flipViews(epochID int64, kinds []model.RankingKind, backwards bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.epochs[epochID]
	if !ok {
		return fmt.Errorf("epoch %d: %w", epochID, model.ErrEpochNotFound)
	}
	if e.Status != model.EpochSucceeded || e.Pruned() {
		return fmt.Errorf("epoch %d is %s: %w", epochID, e.Status, model.ErrInvalidTransition)
	}
	if !backwards {
		for _, k := range kinds {
			if cur, ok := s.views[k]; ok && cur > epochID {
				return fmt.Errorf("epoch %d: %s is at epoch %d: %w", epochID, k, cur, model.ErrEpochSuperseded)
			}
		}
	}
	for _, k := range kinds {
		s.views[k] = epochID
	}
	return nil
}

// CurrentViews implements ViewStore.
func (s *MemoryStore) CurrentViews(_ context.Context) (map[model.RankingKind]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.RankingKind]int64, len(s.views))
	for k, v := range s.views {
		out[k] = v
	}
	return out, nil
}
