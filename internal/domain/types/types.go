// Package types contains read-side types shared by the service and the API.
package types

import "github.com/okian/benchrank/internal/domain/model"

// Entry represents one ranked row of a published ranking.
type Entry struct {
	Rank       int      `json:"rank"`
	SubjectID  string   `json:"subject_id"`
	Score      *float64 `json:"score"`
	SampleSize int      `json:"sample_size"`
	EpochID    int64    `json:"epoch_id"`
}

// Page is a window over a published ranking. Ranks are global even when a
// sample-size filter hides rows.
type Page struct {
	Kind    model.RankingKind `json:"kind"`
	EpochID int64             `json:"epoch_id"`
	Offset  int               `json:"offset"`
	Limit   int               `json:"limit"`
	Total   int               `json:"total"`
	Entries []Entry           `json:"entries"`
}

// RunReport is the outcome of one computation request.
type RunReport struct {
	Success          bool   `json:"success"`
	MatchesProcessed int    `json:"matches_processed"`
	ModelsUpdated    int    `json:"models_updated"`
	NewModelsAdded   int    `json:"new_models_added"`
	ComputationID    int64  `json:"computation_id,omitempty"`
	ElapsedMs        int64  `json:"elapsed_ms"`
	Skipped          int    `json:"skipped"`
	Error            string `json:"error,omitempty"`
}
