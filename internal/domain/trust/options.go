package trust

import (
	"math"

	"github.com/okian/benchrank/internal/domain/model"
	"github.com/okian/benchrank/pkg/logger"
)

// Default aggregation parameters.
const (
	DefaultReviewWeight        = 1.0
	DefaultQuickFeedbackWeight = 0.5
	DefaultCommentWeight       = 0.25
	DefaultNeutralTrust        = 0.5
	DefaultMinTrustWeight      = 0.05
	DefaultAuthorWeight        = 1.0
	DefaultCollaboratorWeight  = 0.5
	DefaultMinBenchmarkPrompts = 3
	DefaultMinReviewerVotes    = 3
	DefaultMinConsensusVoters  = 2

	cancelCheckEvery = 1024
)

// Option applies a configuration option to the Aggregator.
type Option func(*Aggregator)

// WithSourceWeights sets the multipliers of the three opinion sources.
// Negative or non-finite values are ignored.
func WithSourceWeights(review, quickFeedback, comment float64) Option {
	return func(a *Aggregator) {
		set := func(kind model.SourceKind, w float64) {
			if w >= 0 && !math.IsInf(w, 0) && !math.IsNaN(w) {
				a.sourceWeights[kind] = w
			}
		}
		set(model.SourceReview, review)
		set(model.SourceQuickFeedback, quickFeedback)
		set(model.SourceComment, comment)
	}
}

// WithNeutralTrust sets the trust assumed for reviewers without a prior score.
func WithNeutralTrust(t float64) Option {
	return func(a *Aggregator) {
		if t >= 0 && t <= 1 {
			a.neutralTrust = t
		}
	}
}

// WithMinTrustWeight sets the floor applied to a reviewer's trust so that no
// opinion is silenced entirely.
func WithMinTrustWeight(t float64) Option {
	return func(a *Aggregator) {
		if t >= 0 && t <= 1 {
			a.minTrustWeight = t
		}
	}
}

// WithRoleWeights sets the contributor weight of authors and collaborators.
func WithRoleWeights(author, collaborator float64) Option {
	return func(a *Aggregator) {
		if author > 0 {
			a.authorWeight = author
		}
		if collaborator > 0 {
			a.collaboratorWeight = collaborator
		}
	}
}

// WithMinBenchmarkPrompts sets how many scored member prompts a benchmark
// needs before it gets a score.
func WithMinBenchmarkPrompts(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.minBenchPrompts = n
		}
	}
}

// WithMinReviewerVotes sets how many consensus votes a reviewer needs before
// a trust score is reported.
func WithMinReviewerVotes(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.minReviewerVotes = n
		}
	}
}

// WithMinConsensusVoters sets how many decided reviewers a prompt needs to
// establish consensus.
func WithMinConsensusVoters(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.minConsensusVoters = n
		}
	}
}

// WithLogger sets the aggregator logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}
