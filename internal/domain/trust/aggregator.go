// Package trust aggregates review, feedback, comment and co-authorship
// signals into prompt quality, benchmark quality, contributor and reviewer
// trust scores.
//
// Scores are computed in a fixed dependency order so nothing reads an
// aggregate of the epoch being computed:
//
//	prompt quality -> benchmark quality -> contributor -> reviewer trust
//
// Reviewer trust from the previous epoch weights this epoch's opinions;
// reviewer trust computed now only feeds the next epoch.
package trust

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/okian/benchrank/internal/domain/dedupe"
	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/pkg/logger"
)

// Result holds every score kind the aggregator produces for one epoch.
type Result struct {
	PromptQuality    []model.SubjectScore
	BenchmarkQuality []model.SubjectScore
	Contributor      []model.SubjectScore
	ReviewerTrust    []model.SubjectScore

	// Processed counts every signal examined, Skipped the malformed ones.
	Processed int
	Skipped   int
}

// ByKind returns the rows of one kind.
func (r Result) ByKind(kind model.RankingKind) []model.SubjectScore {
	switch kind {
	case model.KindPromptQuality:
		return r.PromptQuality
	case model.KindBenchmarkQuality:
		return r.BenchmarkQuality
	case model.KindContributor:
		return r.Contributor
	case model.KindReviewerTrust:
		return r.ReviewerTrust
	default:
		return nil
	}
}

// SkipRatio returns Skipped/Processed, zero when nothing was processed.
func (r Result) SkipRatio() float64 {
	if r.Processed == 0 {
		return 0
	}
	return float64(r.Skipped) / float64(r.Processed)
}

// Aggregator computes trust and quality scores. It holds only configuration
// and is safe for concurrent use.
type Aggregator struct {
	sourceWeights      map[model.SourceKind]float64
	neutralTrust       float64
	minTrustWeight     float64
	authorWeight       float64
	collaboratorWeight float64
	minBenchPrompts    int
	minReviewerVotes   int
	minConsensusVoters int
	logger             logger.Logger
}

// New creates an Aggregator with default weights.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		sourceWeights: map[model.SourceKind]float64{
			model.SourceReview:        DefaultReviewWeight,
			model.SourceQuickFeedback: DefaultQuickFeedbackWeight,
			model.SourceComment:       DefaultCommentWeight,
		},
		neutralTrust:       DefaultNeutralTrust,
		minTrustWeight:     DefaultMinTrustWeight,
		authorWeight:       DefaultAuthorWeight,
		collaboratorWeight: DefaultCollaboratorWeight,
		minBenchPrompts:    DefaultMinBenchmarkPrompts,
		minReviewerVotes:   DefaultMinReviewerVotes,
		minConsensusVoters: DefaultMinConsensusVoters,
		logger:             logger.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// opinion is one resolved opinion signal about a prompt or a prompt set.
type opinion struct {
	actor  string
	source model.SourceKind
	value  float64
}

// role of a user on an authored entity.
type role int

const (
	roleCollaborator role = iota + 1
	roleAuthor
)

type entityRef struct {
	kind model.EntityKind
	id   string
}

// prepared is the validated, resolved view of the signal stream.
type prepared struct {
	promptOpinions map[string][]opinion
	setOpinions    map[string][]opinion
	coauthors      map[entityRef]map[string]struct{}
}

// Compute aggregates signals for epochID. priorTrust maps reviewer id to the
// reviewer trust score of the previous published epoch.
func (a *Aggregator) Compute(ctx context.Context, epochID int64, signals []model.ReviewSignal, graph model.EntityGraph, priorTrust map[string]float64) (Result, error) {
	p, processed, skipped, err := a.prepare(ctx, signals, graph)
	if err != nil {
		return Result{}, err
	}

	res := Result{Processed: processed, Skipped: skipped}
	promptScores := a.promptQuality(epochID, p, priorTrust)
	setScores := a.benchmarkQuality(epochID, p, graph, promptScores, priorTrust)
	res.PromptQuality = sortedScores(promptScores)
	res.BenchmarkQuality = sortedScores(setScores)
	res.Contributor = sortedScores(a.contributors(epochID, p, graph, promptScores, setScores))
	res.ReviewerTrust = sortedScores(a.reviewerTrust(epochID, p))

	a.logger.Debug(ctx, "trust aggregation finished",
		logger.Int64("epoch", epochID),
		logger.Int("signals", res.Processed),
		logger.Int("skipped", res.Skipped),
		logger.Int("prompts", len(res.PromptQuality)),
		logger.Int("benchmarks", len(res.BenchmarkQuality)),
		logger.Int("contributors", len(res.Contributor)),
		logger.Int("reviewers", len(res.ReviewerTrust)),
	)
	return res, nil
}

func (a *Aggregator) prepare(ctx context.Context, signals []model.ReviewSignal, graph model.EntityGraph) (prepared, int, int, error) {
	ordered := make([]model.ReviewSignal, len(signals))
	copy(ordered, signals)
	sort.SliceStable(ordered, func(i, j int) bool {
		x, y := ordered[i].OccurredAt, ordered[j].OccurredAt
		if !x.Equal(y) {
			return x.Before(y)
		}
		return ordered[i].SignalID < ordered[j].SignalID
	})

	p := prepared{
		promptOpinions: make(map[string][]opinion),
		setOpinions:    make(map[string][]opinion),
		coauthors:      make(map[entityRef]map[string]struct{}),
	}
	seen := dedupe.NewSet(dedupe.WithExpectedSize(len(ordered)))
	skipped := 0

	for i := range ordered {
		if i%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return prepared{}, 0, 0, fmt.Errorf("trust compute aborted: %w", err)
			}
		}
		s := &ordered[i]
		if err := a.accept(ctx, s, graph, seen, &p); err != nil {
			skipped++
			a.logger.Warn(ctx, "skipping malformed signal",
				logger.String("signal_id", s.SignalID),
				logger.Error(err),
			)
		}
	}
	return p, len(ordered), skipped, nil
}

// accept validates s, resolves its target and files it into p.
func (a *Aggregator) accept(ctx context.Context, s *model.ReviewSignal, graph model.EntityGraph, seen dedupe.Set, p *prepared) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if seen.SeenAndRecord(ctx, s.SignalID) {
		return model.NewSignalIntegrityError(s.SignalID, "duplicate signal id")
	}

	if s.SourceKind == model.SourceCoauthorship {
		ref := entityRef{kind: s.TargetKind, id: s.TargetID}
		switch {
		case s.TargetKind == model.EntityPrompt && graph.HasPrompt(s.TargetID):
		case s.TargetKind == model.EntityPromptSet && graph.HasSet(s.TargetID):
		default:
			return model.NewSignalIntegrityError(s.SignalID, "unknown co-authored entity "+s.TargetID)
		}
		if p.coauthors[ref] == nil {
			p.coauthors[ref] = make(map[string]struct{})
		}
		p.coauthors[ref][s.ActorUserID] = struct{}{}
		return nil
	}

	op := opinion{actor: s.ActorUserID, source: s.SourceKind, value: clamp(s.Weight, -1, 1)}
	if s.TargetKind == model.EntityPromptSet {
		if !graph.HasSet(s.TargetID) {
			return model.NewSignalIntegrityError(s.SignalID, "unknown prompt set "+s.TargetID)
		}
		p.setOpinions[s.TargetID] = append(p.setOpinions[s.TargetID], op)
		return nil
	}
	prompt, ok := graph.PromptFor(s.TargetKind, s.TargetID)
	if !ok {
		return model.NewSignalIntegrityError(s.SignalID, fmt.Sprintf("unresolvable %s target %s", s.TargetKind, s.TargetID))
	}
	p.promptOpinions[prompt] = append(p.promptOpinions[prompt], op)
	return nil
}

// weightedOpinion maps opinions to a [0,1] score weighted by source and the
// actor's prior trust. ok is false when the total weight is zero.
func (a *Aggregator) weightedOpinion(ops []opinion, priorTrust map[string]float64) (float64, bool) {
	var num, den float64
	for _, op := range ops {
		t, ok := priorTrust[op.actor]
		if !ok {
			t = a.neutralTrust
		}
		w := a.sourceWeights[op.source] * math.Max(t, a.minTrustWeight)
		num += w * op.value
		den += w
	}
	if den <= 0 {
		return 0, false
	}
	return (num/den + 1) / 2, true
}

func (a *Aggregator) promptQuality(epochID int64, p prepared, priorTrust map[string]float64) map[string]model.SubjectScore {
	out := make(map[string]model.SubjectScore, len(p.promptOpinions))
	for prompt, ops := range p.promptOpinions {
		score, ok := a.weightedOpinion(ops, priorTrust)
		if !ok {
			continue
		}
		out[prompt] = model.SubjectScore{
			EpochID: epochID, Kind: model.KindPromptQuality, SubjectID: prompt,
			Score: model.Float(score), SampleSize: len(ops),
		}
	}
	return out
}

func (a *Aggregator) benchmarkQuality(epochID int64, p prepared, graph model.EntityGraph, prompts map[string]model.SubjectScore, priorTrust map[string]float64) map[string]model.SubjectScore {
	sets := make(map[string]struct{}, len(graph.SetMembers)+len(p.setOpinions))
	for id := range graph.SetMembers {
		sets[id] = struct{}{}
	}
	for id := range p.setOpinions {
		sets[id] = struct{}{}
	}

	out := make(map[string]model.SubjectScore)
	for set := range sets {
		var sum float64
		parts, members := 0, 0
		for _, prompt := range uniqueStrings(graph.SetMembers[set]) {
			if sc, ok := prompts[prompt]; ok && sc.Score != nil {
				sum += *sc.Score
				parts++
				members++
			}
		}
		if direct, ok := a.weightedOpinion(p.setOpinions[set], priorTrust); ok {
			sum += direct
			parts++
		}
		if parts == 0 {
			continue
		}
		row := model.SubjectScore{EpochID: epochID, Kind: model.KindBenchmarkQuality, SubjectID: set, SampleSize: members}
		if members >= a.minBenchPrompts {
			row.Score = model.Float(sum / float64(parts))
		}
		out[set] = row
	}
	return out
}

func (a *Aggregator) contributors(epochID int64, p prepared, graph model.EntityGraph, prompts, sets map[string]model.SubjectScore) map[string]model.SubjectScore {
	roles := make(map[string]map[entityRef]role)
	assign := func(user string, ref entityRef, r role) {
		if user == "" {
			return
		}
		if roles[user] == nil {
			roles[user] = make(map[entityRef]role)
		}
		if roles[user][ref] < r {
			roles[user][ref] = r
		}
	}
	for prompt, author := range graph.PromptAuthors {
		assign(author, entityRef{kind: model.EntityPrompt, id: prompt}, roleAuthor)
	}
	for set, author := range graph.SetAuthors {
		assign(author, entityRef{kind: model.EntityPromptSet, id: set}, roleAuthor)
	}
	for ref, users := range p.coauthors {
		for user := range users {
			assign(user, ref, roleCollaborator)
		}
	}

	out := make(map[string]model.SubjectScore)
	for user, entities := range roles {
		refs := make([]entityRef, 0, len(entities))
		for ref := range entities {
			refs = append(refs, ref)
		}
		sort.Slice(refs, func(i, j int) bool {
			if refs[i].kind != refs[j].kind {
				return refs[i].kind < refs[j].kind
			}
			return refs[i].id < refs[j].id
		})

		var num, den float64
		n := 0
		for _, ref := range refs {
			r := entities[ref]
			var sc model.SubjectScore
			var ok bool
			if ref.kind == model.EntityPrompt {
				sc, ok = prompts[ref.id]
			} else {
				sc, ok = sets[ref.id]
			}
			if !ok || sc.Score == nil {
				continue
			}
			w := a.collaboratorWeight
			if r == roleAuthor {
				w = a.authorWeight
			}
			num += w * *sc.Score
			den += w
			n++
		}
		if n == 0 || den <= 0 {
			continue
		}
		out[user] = model.SubjectScore{
			EpochID: epochID, Kind: model.KindContributor, SubjectID: user,
			Score: model.Float(num / den), SampleSize: n,
		}
	}
	return out
}

func (a *Aggregator) reviewerTrust(epochID int64, p prepared) map[string]model.SubjectScore {
	agree := make(map[string]int)
	total := make(map[string]int)

	for _, ops := range p.promptOpinions {
		net := make(map[string]float64)
		for _, op := range ops {
			net[op.actor] += op.value
		}
		votes := make(map[string]int, len(net))
		pos, neg := 0, 0
		for actor, v := range net {
			switch {
			case v > 0:
				votes[actor] = 1
				pos++
			case v < 0:
				votes[actor] = -1
				neg++
			}
		}
		if pos+neg < a.minConsensusVoters || pos == neg {
			continue
		}
		consensus := 1
		if neg > pos {
			consensus = -1
		}
		for actor, v := range votes {
			total[actor]++
			if v == consensus {
				agree[actor]++
			}
		}
	}

	out := make(map[string]model.SubjectScore)
	for actor, n := range total {
		if n < a.minReviewerVotes {
			continue
		}
		out[actor] = model.SubjectScore{
			EpochID: epochID, Kind: model.KindReviewerTrust, SubjectID: actor,
			Score: model.Float(float64(agree[actor]+1) / float64(n+2)), SampleSize: n,
		}
	}
	return out
}

func sortedScores(m map[string]model.SubjectScore) []model.SubjectScore {
	out := make([]model.SubjectScore, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out
}

func uniqueStrings(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
