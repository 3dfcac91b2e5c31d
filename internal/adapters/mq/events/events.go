// Package events announces published epochs to downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/okian/benchrank/internal/domain/model"
)

// TypeEpochPublished is the event type emitted after the current views flip.
const TypeEpochPublished = "epoch.published"

// EpochPublished is the wire payload of an epoch.published event.
type EpochPublished struct {
	Type             string              `json:"type"`
	EpochID          int64               `json:"epoch_id"`
	AsOf             time.Time           `json:"as_of"`
	CompletedAt      time.Time           `json:"completed_at"`
	MatchesProcessed int                 `json:"matches_processed"`
	ModelsUpdated    int                 `json:"models_updated"`
	NewModelsAdded   int                 `json:"new_models_added"`
	SignalsSkipped   int                 `json:"signals_skipped"`
	Kinds            []model.RankingKind `json:"kinds"`
}

// NewEpochPublished builds the event for a SUCCEEDED epoch.
func NewEpochPublished(e *model.ComputationEpoch, kinds []model.RankingKind) EpochPublished {
	evt := EpochPublished{
		Type:             TypeEpochPublished,
		EpochID:          e.EpochID,
		AsOf:             e.AsOf.UTC(),
		MatchesProcessed: e.MatchesProcessed,
		ModelsUpdated:    e.ModelsUpdated,
		NewModelsAdded:   e.NewModelsAdded,
		SignalsSkipped:   e.SignalsSkipped,
		Kinds:            kinds,
	}
	if e.CompletedAt != nil {
		evt.CompletedAt = e.CompletedAt.UTC()
	}
	return evt
}

// Publisher emits epoch lifecycle events.
type Publisher interface {
	PublishEpoch(ctx context.Context, evt EpochPublished) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// PublishEpoch implements Publisher.
func (NopPublisher) PublishEpoch(context.Context, EpochPublished) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }
