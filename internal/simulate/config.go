// Package simulate generates synthetic benchmark activity, loads it into a
// store, and drives the ranking service locally or over HTTP.
package simulate

import (
	"time"

	"github.com/okian/benchrank/internal/domain/model"
)

// Scenario describes one synthetic dataset.
type Scenario struct {
	Seed       uint64
	Models     int
	Matches    int
	Users      int
	Prompts    int
	PromptSets int
	Responses  int
	Signals    int
	// TieRate is the share of matches recorded as TIE.
	TieRate float64
	// MalformedRate is the share of signals that point at unknown targets.
	MalformedRate float64
	// Start is the OccurredAt of the first generated record.
	Start time.Time
}

// DefaultScenario returns a small dataset that finishes in well under a second.
func DefaultScenario() Scenario {
	return Scenario{
		Seed:          1,
		Models:        8,
		Matches:       2000,
		Users:         40,
		Prompts:       60,
		PromptSets:    8,
		Responses:     120,
		Signals:       1500,
		TieRate:       0.1,
		MalformedRate: 0.01,
		Start:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Dataset is a generated set of inputs plus the hidden truth used to check
// the computed rankings.
type Dataset struct {
	Matches   []model.ModelMatch   `json:"matches"`
	Signals   []model.ReviewSignal `json:"signals"`
	Prompts   []Authored           `json:"prompts"`
	Sets      []PromptSet          `json:"prompt_sets"`
	Responses []Response           `json:"responses"`

	// Strength is the hidden ELO-scale strength of every model.
	Strength map[string]float64 `json:"strength"`
	// Quality is the hidden quality of every prompt in [-1, 1].
	Quality map[string]float64 `json:"quality"`
}

// Authored is a prompt and its author.
type Authored struct {
	ID     string `json:"id"`
	Author string `json:"author"`
}

// PromptSet is a benchmark and its member prompts.
type PromptSet struct {
	ID      string   `json:"id"`
	Author  string   `json:"author"`
	Members []string `json:"members"`
}

// Response is a model response to a prompt.
type Response struct {
	ID       string `json:"id"`
	PromptID string `json:"prompt_id"`
}

// Stats counts what a load wrote.
type Stats struct {
	Matches    int
	Signals    int
	Prompts    int
	PromptSets int
	Responses  int
	Duplicates int
	StartTime  time.Time
	Duration   time.Duration
}
