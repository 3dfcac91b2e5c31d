package simulate

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/okian/benchrank/internal/domain/model"
)

// Generation constants.
const (
	strengthMean   = 1500.0
	strengthSpread = 200.0
	logisticScale  = 400.0
	minSetMembers  = 3
	maxSetMembers  = 6
	coauthorShare  = 0.05
	opinionNoise   = 0.25
)

var opinionSources = []model.SourceKind{model.SourceReview, model.SourceQuickFeedback, model.SourceComment}

// Generate builds a deterministic dataset for s. Equal scenarios produce
// equal datasets.
func Generate(s Scenario) (*Dataset, error) {
	if s.Models < 2 {
		return nil, fmt.Errorf("%w: need at least two models", ErrInvalidScenario)
	}
	if s.Users < 1 || s.Prompts < 1 {
		return nil, fmt.Errorf("%w: need users and prompts", ErrInvalidScenario)
	}
	if s.MalformedRate < 0 || s.MalformedRate > 1 || s.TieRate < 0 || s.TieRate > 1 {
		return nil, fmt.Errorf("%w: rates must be in [0, 1]", ErrInvalidScenario)
	}

	rng := rand.New(rand.NewPCG(s.Seed, s.Seed^0x9e3779b97f4a7c15))
	ds := &Dataset{
		Strength: make(map[string]float64, s.Models),
		Quality:  make(map[string]float64, s.Prompts),
	}

	models := make([]string, s.Models)
	for i := range models {
		models[i] = fmt.Sprintf("model-%02d", i)
		ds.Strength[models[i]] = strengthMean + rng.NormFloat64()*strengthSpread
	}
	users := make([]string, s.Users)
	for i := range users {
		users[i] = fmt.Sprintf("user-%03d", i)
	}

	prompts := make([]string, s.Prompts)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("prompt-%03d", i)
		ds.Prompts = append(ds.Prompts, Authored{ID: prompts[i], Author: users[rng.IntN(len(users))]})
		ds.Quality[prompts[i]] = rng.Float64()*2 - 1
	}
	for i := 0; i < s.PromptSets; i++ {
		n := minSetMembers + rng.IntN(maxSetMembers-minSetMembers+1)
		members := make([]string, 0, n)
		for _, j := range rng.Perm(len(prompts))[:min(n, len(prompts))] {
			members = append(members, prompts[j])
		}
		ds.Sets = append(ds.Sets, PromptSet{
			ID:      fmt.Sprintf("set-%02d", i),
			Author:  users[rng.IntN(len(users))],
			Members: members,
		})
	}
	for i := 0; i < s.Responses; i++ {
		ds.Responses = append(ds.Responses, Response{
			ID:       fmt.Sprintf("response-%04d", i),
			PromptID: prompts[rng.IntN(len(prompts))],
		})
	}

	for i := 0; i < s.Matches; i++ {
		ds.Matches = append(ds.Matches, generateMatch(rng, s, ds, models, prompts, i))
	}
	for i := 0; i < s.Signals; i++ {
		ds.Signals = append(ds.Signals, generateSignal(rng, s, ds, users, i))
	}
	return ds, nil
}

func generateMatch(rng *rand.Rand, s Scenario, ds *Dataset, models, prompts []string, i int) model.ModelMatch {
	a := rng.IntN(len(models))
	b := rng.IntN(len(models) - 1)
	if b >= a {
		b++
	}
	ma, mb := models[a], models[b]

	outcome := model.OutcomeBWins
	pA := 1 / (1 + math.Pow(10, (ds.Strength[mb]-ds.Strength[ma])/logisticScale))
	switch r := rng.Float64(); {
	case r < s.TieRate:
		outcome = model.OutcomeTie
	case rng.Float64() < pA:
		outcome = model.OutcomeAWins
	}

	return model.ModelMatch{
		MatchID:     fmt.Sprintf("match-%06d", i),
		PromptID:    prompts[rng.IntN(len(prompts))],
		ModelA:      ma,
		ModelB:      mb,
		Outcome:     outcome,
		OccurredAt:  s.Start.Add(time.Duration(i) * time.Second),
		IsShareable: rng.IntN(2) == 0,
	}
}

func generateSignal(rng *rand.Rand, s Scenario, ds *Dataset, users []string, i int) model.ReviewSignal {
	sig := model.ReviewSignal{
		SignalID:    fmt.Sprintf("signal-%06d", i),
		ActorUserID: users[rng.IntN(len(users))],
		OccurredAt:  s.Start.Add(time.Duration(i) * time.Second),
	}

	if len(ds.Sets) > 0 && rng.Float64() < coauthorShare {
		set := ds.Sets[rng.IntN(len(ds.Sets))]
		sig.SourceKind = model.SourceCoauthorship
		sig.TargetKind = model.EntityPromptSet
		sig.TargetID = set.ID
	} else {
		sig.SourceKind = opinionSources[rng.IntN(len(opinionSources))]
		var prompt string
		if len(ds.Responses) > 0 && rng.IntN(3) == 0 {
			r := ds.Responses[rng.IntN(len(ds.Responses))]
			sig.TargetKind, sig.TargetID, prompt = model.EntityResponse, r.ID, r.PromptID
		} else {
			p := ds.Prompts[rng.IntN(len(ds.Prompts))]
			sig.TargetKind, sig.TargetID, prompt = model.EntityPrompt, p.ID, p.ID
		}
		sig.Weight = 1
		if ds.Quality[prompt]+rng.NormFloat64()*opinionNoise < 0 {
			sig.Weight = -1
		}
	}

	if rng.Float64() < s.MalformedRate {
		sig.TargetID = "missing-" + sig.TargetID
	}
	return sig
}
