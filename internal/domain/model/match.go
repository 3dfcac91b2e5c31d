// Package model holds the ranking engine's domain records: match and signal
// inputs, computation epochs, and the versioned output rows.
package model

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Outcome is the result of a pairwise match from model A's point of view.
type Outcome string

// Match outcomes.
const (
	OutcomeAWins Outcome = "A_WINS"
	OutcomeBWins Outcome = "B_WINS"
	OutcomeTie   Outcome = "TIE"
)

// Scores returns the actual scores (S_A, S_B) for the outcome.
func (o Outcome) Scores() (float64, float64, bool) {
	switch o {
	case OutcomeAWins:
		return 1, 0, true
	case OutcomeBWins:
		return 0, 1, true
	case OutcomeTie:
		return 0.5, 0.5, true
	default:
		return 0, 0, false
	}
}

// ModelMatch is one recorded pairwise outcome. Immutable once recorded.
type ModelMatch struct {
	MatchID     string    `json:"match_id" db:"match_id" validate:"required"`
	PromptID    string    `json:"prompt_id" db:"prompt_id" validate:"required"`
	ModelA      string    `json:"model_a" db:"model_a" validate:"required"`
	ModelB      string    `json:"model_b" db:"model_b" validate:"required,nefield=ModelA"`
	Outcome     Outcome   `json:"outcome" db:"outcome" validate:"required,oneof=A_WINS B_WINS TIE"`
	OccurredAt  time.Time `json:"occurred_at" db:"occurred_at" validate:"required"`
	IsShareable bool      `json:"is_shareable" db:"is_shareable"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks a match and returns an *InputIntegrityError naming the
// first violated field.
func (m ModelMatch) Validate() error { //nolint:gocritic // hugeParam: value receiver keeps ModelMatch immutable
	err := validate.Struct(m)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return NewMatchIntegrityError(m.MatchID, err.Error())
	}
	fe := verrs[0]
	switch {
	case fe.Field() == "model_b" && fe.Tag() == "nefield":
		return NewMatchIntegrityError(m.MatchID, "self-match: model_a equals model_b")
	case fe.Field() == "outcome" && fe.Tag() == "oneof":
		return NewMatchIntegrityError(m.MatchID, "unknown outcome "+string(m.Outcome))
	default:
		return NewMatchIntegrityError(m.MatchID, "missing "+fe.Field())
	}
}
