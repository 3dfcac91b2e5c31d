package model

import "time"

// EpochStatus is the lifecycle state of a computation epoch.
type EpochStatus string

// Epoch statuses. RUNNING transitions once to SUCCEEDED or FAILED.
const (
	EpochRunning   EpochStatus = "RUNNING"
	EpochSucceeded EpochStatus = "SUCCEEDED"
	EpochFailed    EpochStatus = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s EpochStatus) Terminal() bool {
	return s == EpochSucceeded || s == EpochFailed
}

// ComputationEpoch records one computation run.
type ComputationEpoch struct {
	EpochID          int64       `json:"epoch_id" db:"epoch_id"`
	Status           EpochStatus `json:"status" db:"status"`
	StartedAt        time.Time   `json:"started_at" db:"started_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	AsOf             time.Time   `json:"as_of" db:"as_of"`
	MatchesProcessed int         `json:"matches_processed" db:"matches_processed"`
	ModelsUpdated    int         `json:"models_updated" db:"models_updated"`
	NewModelsAdded   int         `json:"new_models_added" db:"new_models_added"`
	SignalsProcessed int         `json:"signals_processed" db:"signals_processed"`
	SignalsSkipped   int         `json:"signals_skipped" db:"signals_skipped"`
	ElapsedMs        int64       `json:"elapsed_ms" db:"elapsed_ms"`
	Error            string      `json:"error,omitempty" db:"error"`
	PrunedAt         *time.Time  `json:"pruned_at,omitempty" db:"pruned_at"`
}

// Pruned reports whether the epoch's output rows were garbage collected.
func (e *ComputationEpoch) Pruned() bool { return e.PrunedAt != nil }

// EpochCounters are the figures recorded when an epoch succeeds.
type EpochCounters struct {
	MatchesProcessed int
	ModelsUpdated    int
	NewModelsAdded   int
	SignalsProcessed int
	SignalsSkipped   int
	ElapsedMs        int64
}

// PruneRequest asks the garbage collector to delete an epoch's output rows.
type PruneRequest struct {
	EpochID int64
	// Reason is "failed" or "superseded".
	Reason string
}
