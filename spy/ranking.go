package spy

import (
	"cmp"
	"slices"
)

// Entry is a tracked element with its visibility state.
type Entry struct {
	Element  Element
	Position int     // discovery order, 0-based
	Ratio    float64 // last reported visibility ratio
}

// Compare orders entries by ratio descending, then by position ascending.
// The most visible element sorts first; ties go to the element that comes
// first in the document.
func Compare(a, b Entry) int {
	if c := cmp.Compare(b.Ratio, a.Ratio); c != 0 {
		return c
	}
	return cmp.Compare(a.Position, b.Position)
}

// Rank sorts entries in place using Compare.
func Rank(entries []Entry) {
	slices.SortStableFunc(entries, Compare)
}
