package model

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
)

// SourceKind is where a review signal came from.
type SourceKind string

// Signal sources.
const (
	SourceReview        SourceKind = "REVIEW"
	SourceQuickFeedback SourceKind = "QUICK_FEEDBACK"
	SourceComment       SourceKind = "COMMENT"
	SourceCoauthorship  SourceKind = "COAUTHORSHIP"
)

// IsOpinion reports whether the source expresses an opinion about quality.
// Co-authorship is structural and carries no opinion.
func (k SourceKind) IsOpinion() bool {
	return k == SourceReview || k == SourceQuickFeedback || k == SourceComment
}

// EntityKind is the kind of entity a signal targets.
type EntityKind string

// Target entity kinds.
const (
	EntityPrompt    EntityKind = "PROMPT"
	EntityPromptSet EntityKind = "PROMPT_SET"
	EntityResponse  EntityKind = "RESPONSE"
)

// ReviewSignal is one piece of reviewer feedback, comment, or co-authorship
// record. Weight is a signed opinion for opinion sources and ignored for
// COAUTHORSHIP.
type ReviewSignal struct {
	SignalID    string     `json:"signal_id" db:"signal_id" validate:"required"`
	SourceKind  SourceKind `json:"source_kind" db:"source_kind" validate:"required,oneof=REVIEW QUICK_FEEDBACK COMMENT COAUTHORSHIP"`
	ActorUserID string     `json:"actor_user_id" db:"actor_user_id" validate:"required"`
	TargetKind  EntityKind `json:"target_kind" db:"target_kind" validate:"required,oneof=PROMPT PROMPT_SET RESPONSE"`
	TargetID    string     `json:"target_id" db:"target_id" validate:"required"`
	Weight      float64    `json:"weight" db:"weight"`
	OccurredAt  time.Time  `json:"occurred_at" db:"occurred_at" validate:"required"`
}

// Validate checks the signal's own fields. Target resolution against the
// entity graph happens in the aggregator.
func (s ReviewSignal) Validate() error { //nolint:gocritic // hugeParam: value receiver keeps ReviewSignal immutable
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Tag() == "oneof" {
				return NewSignalIntegrityError(s.SignalID, fmt.Sprintf("unknown %s %v", fe.Field(), fe.Value()))
			}
			return NewSignalIntegrityError(s.SignalID, "missing "+fe.Field())
		}
		return NewSignalIntegrityError(s.SignalID, err.Error())
	}
	if math.IsNaN(s.Weight) || math.IsInf(s.Weight, 0) {
		return NewSignalIntegrityError(s.SignalID, "weight is not finite")
	}
	if s.SourceKind == SourceCoauthorship && s.TargetKind == EntityResponse {
		return NewSignalIntegrityError(s.SignalID, "co-authorship cannot target a response")
	}
	return nil
}
