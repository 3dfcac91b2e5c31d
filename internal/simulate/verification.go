package simulate

import (
	"fmt"

	"github.com/okian/benchrank/internal/domain/types"
)

// Concordance returns the share of model pairs whose published order agrees
// with their hidden strength. Pairs with equal published rank are skipped.
func Concordance(ds *Dataset, entries []types.Entry) float64 {
	var agree, total int
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			a, b := entries[i], entries[j]
			if a.Rank == b.Rank || a.Score == nil || b.Score == nil {
				continue
			}
			sa, okA := ds.Strength[a.SubjectID]
			sb, okB := ds.Strength[b.SubjectID]
			if !okA || !okB {
				continue
			}
			total++
			if (a.Rank < b.Rank) == (sa > sb) {
				agree++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(agree) / float64(total)
}

// Verify checks the published model ranking against the hidden strengths.
func Verify(ds *Dataset, elo types.Page, minConcordance float64) error {
	if len(elo.Entries) != len(ds.Strength) {
		return fmt.Errorf("%w: %d rated models, want %d", ErrVerification, len(elo.Entries), len(ds.Strength))
	}
	for i, e := range elo.Entries {
		if e.Rank < 1 || (i > 0 && e.Rank < elo.Entries[i-1].Rank) {
			return fmt.Errorf("%w: rank order broken at %s", ErrVerification, e.SubjectID)
		}
	}
	if c := Concordance(ds, elo.Entries); c < minConcordance {
		return fmt.Errorf("%w: concordance %.2f below %.2f", ErrVerification, c, minConcordance)
	}
	return nil
}
