package model

// RankingKind names one published ranking.
type RankingKind string

// Ranking kinds. Each has its own current-view pointer.
const (
	KindModelElo         RankingKind = "model_elo"
	KindContributor      RankingKind = "contributor"
	KindReviewerTrust    RankingKind = "reviewer_trust"
	KindPromptQuality    RankingKind = "prompt_quality"
	KindBenchmarkQuality RankingKind = "benchmark_quality"
)

// AllKinds lists every ranking kind in publish order.
func AllKinds() []RankingKind {
	return []RankingKind{KindModelElo, KindContributor, KindReviewerTrust, KindPromptQuality, KindBenchmarkQuality}
}

// ParseRankingKind validates a ranking kind name.
func ParseRankingKind(s string) (RankingKind, bool) {
	for _, k := range AllKinds() {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// ScoreKinds lists the kinds produced by the trust aggregator.
func ScoreKinds() []RankingKind {
	return []RankingKind{KindContributor, KindReviewerTrust, KindPromptQuality, KindBenchmarkQuality}
}

// ModelRating is one model's rating in one epoch.
type ModelRating struct {
	EpochID    int64   `json:"epoch_id" db:"epoch_id"`
	ModelSlug  string  `json:"model_slug" db:"model_slug"`
	EloScore   float64 `json:"elo_score" db:"elo_score"`
	MatchCount int     `json:"match_count" db:"match_count"`
}

// SubjectScore is one trust or quality score in one epoch. A nil Score means
// the subject had signals but too few to report a value.
type SubjectScore struct {
	EpochID    int64       `json:"epoch_id" db:"epoch_id"`
	Kind       RankingKind `json:"kind" db:"kind"`
	SubjectID  string      `json:"subject_id" db:"subject_id"`
	Score      *float64    `json:"score" db:"score"`
	SampleSize int         `json:"sample_size" db:"sample_size"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
