package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/internal/domain/types"
	"github.com/okian/benchrank/pkg/logger"
	"github.com/okian/benchrank/pkg/metrics"
)

// Board is one published ranking, ordered best first.
//
// Ordering: score DESC with unscored rows last, then subject ASC.
type Board struct {
	Kind    model.RankingKind
	EpochID int64
	Entries []types.Entry
	index   map[string]int
}

// ViewSet is an immutable snapshot of every published ranking.
type ViewSet struct {
	Boards      map[model.RankingKind]*Board
	RefreshedAt time.Time
}

// Projections serves ranking reads from an in-memory snapshot of the
// published views. A refresh builds a complete ViewSet and swaps it in with
// one pointer store, so readers never see a mix of epochs for one kind.
type Projections struct {
	snapshot        atomic.Pointer[ViewSet]
	refreshInterval time.Duration
	logger          logger.Logger

	refreshMu sync.Mutex
	wg        sync.WaitGroup
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// NewProjections returns projections with an empty snapshot.
func NewProjections(opts ...ProjectionOption) *Projections {
	p := &Projections{
		refreshInterval: 5 * time.Second,
		logger:          logger.Nop(),
		stopChan:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.snapshot.Store(&ViewSet{Boards: map[model.RankingKind]*Board{}})
	return p
}

// Snapshot returns the current view set.
func (p *Projections) Snapshot() *ViewSet {
	return p.snapshot.Load()
}

// Refresh loads every published view from r and swaps the snapshot.
func (p *Projections) Refresh(ctx context.Context, r ViewReader) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	views, err := r.CurrentViews(ctx)
	if err != nil {
		return fmt.Errorf("load current views: %w", err)
	}

	prev := p.snapshot.Load()
	next := &ViewSet{Boards: make(map[model.RankingKind]*Board, len(views)), RefreshedAt: time.Now()}
	for kind, epochID := range views {
		if b, ok := prev.Boards[kind]; ok && b.EpochID == epochID {
			next.Boards[kind] = b
			continue
		}
		b, err := loadBoard(ctx, r, kind, epochID)
		if err != nil {
			return err
		}
		next.Boards[kind] = b
	}
	p.snapshot.Store(next)

	for kind, b := range next.Boards {
		metrics.UpdateProjectionEntries(string(kind), len(b.Entries))
	}
	return nil
}

func loadBoard(ctx context.Context, r ViewReader, kind model.RankingKind, epochID int64) (*Board, error) {
	var entries []types.Entry
	if kind == model.KindModelElo {
		rows, err := r.LoadRatings(ctx, epochID)
		if err != nil {
			return nil, fmt.Errorf("load %s epoch %d: %w", kind, epochID, err)
		}
		entries = make([]types.Entry, 0, len(rows))
		for _, row := range rows {
			entries = append(entries, types.Entry{
				SubjectID: row.ModelSlug, Score: model.Float(row.EloScore),
				SampleSize: row.MatchCount, EpochID: epochID,
			})
		}
	} else {
		rows, err := r.LoadScores(ctx, epochID, kind)
		if err != nil {
			return nil, fmt.Errorf("load %s epoch %d: %w", kind, epochID, err)
		}
		entries = make([]types.Entry, 0, len(rows))
		for _, row := range rows {
			entries = append(entries, types.Entry{
				SubjectID: row.SubjectID, Score: row.Score,
				SampleSize: row.SampleSize, EpochID: epochID,
			})
		}
	}
	return newBoard(kind, epochID, entries), nil
}

func newBoard(kind model.RankingKind, epochID int64, entries []types.Entry) *Board {
	sortEntries(entries)
	assignRanksWithTies(entries)
	b := &Board{Kind: kind, EpochID: epochID, Entries: entries, index: make(map[string]int, len(entries))}
	for i, e := range entries {
		b.index[e.SubjectID] = i
	}
	return b
}

// Page returns a window of one ranking. Rows with fewer than minSamples are
// hidden; the remaining rows keep their global rank.
func (p *Projections) Page(kind model.RankingKind, offset, limit, minSamples int) (types.Page, error) {
	if _, ok := model.ParseRankingKind(string(kind)); !ok {
		return types.Page{}, fmt.Errorf("%q: %w", kind, ErrUnknownKind)
	}
	if limit < 1 || offset < 0 {
		metrics.RecordErrorByComponent("repository", "invalid_limit")
		return types.Page{}, ErrInvalidLimit
	}

	page := types.Page{Kind: kind, Offset: offset, Limit: limit, Entries: []types.Entry{}}
	b, ok := p.snapshot.Load().Boards[kind]
	if !ok {
		return page, nil
	}
	page.EpochID = b.EpochID

	for _, e := range b.Entries {
		if e.SampleSize < minSamples {
			continue
		}
		if page.Total >= offset && len(page.Entries) < limit {
			page.Entries = append(page.Entries, e)
		}
		page.Total++
	}
	return page, nil
}

// Rank returns the published entry of one subject.
func (p *Projections) Rank(kind model.RankingKind, subjectID string) (types.Entry, error) {
	if _, ok := model.ParseRankingKind(string(kind)); !ok {
		return types.Entry{}, fmt.Errorf("%q: %w", kind, ErrUnknownKind)
	}
	b, ok := p.snapshot.Load().Boards[kind]
	if !ok {
		metrics.RecordErrorByComponent("repository", "not_found")
		return types.Entry{}, ErrNotFound
	}
	i, ok := b.index[subjectID]
	if !ok {
		metrics.RecordErrorByComponent("repository", "not_found")
		return types.Entry{}, ErrNotFound
	}
	return b.Entries[i], nil
}

// Count returns the number of rows in one published ranking.
func (p *Projections) Count(kind model.RankingKind) int {
	if b, ok := p.snapshot.Load().Boards[kind]; ok {
		return len(b.Entries)
	}
	return 0
}

// Start reloads the views periodically so a replica picks up epochs
// published by another process.
func (p *Projections) Start(ctx context.Context, r ViewReader) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.refreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopChan:
				return
			case <-ticker.C:
				if err := p.Refresh(ctx, r); err != nil {
					p.logger.Warn(ctx, "projection refresh failed", logger.Error(err))
				}
			}
		}
	}()
}

// Close stops the periodic refresh.
func (p *Projections) Close() error {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
	return nil
}

// sortEntries orders entries by score (descending, unscored last) and
// subject (ascending).
func sortEntries(entries []types.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Score, entries[j].Score
		switch {
		case a == nil && b != nil:
			return false
		case a != nil && b == nil:
			return true
		case a != nil && b != nil && *a != *b:
			return *a > *b
		}
		return entries[i].SubjectID < entries[j].SubjectID
	})
}

func sameScore(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// assignRanksWithTies assigns ranks with proper tie handling.
// Subjects with the same score get the same rank, and the next distinct
// score gets the next consecutive rank. Unscored subjects share the last rank.
func assignRanksWithTies(entries []types.Entry) {
	if len(entries) == 0 {
		return
	}

	currentRank := 1
	for i := 0; i < len(entries); i++ {
		entries[i].Rank = currentRank

		sameScoreCount := 1
		for j := i + 1; j < len(entries) && sameScore(entries[j].Score, entries[i].Score); j++ {
			entries[j].Rank = currentRank
			sameScoreCount++
		}

		currentRank++
		i += sameScoreCount - 1
	}
}
