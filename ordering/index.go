// Package ordering computes fractional sort positions for reorderable lists.
//
// A position is a float64. Inserting between two neighbours takes their
// midpoint, so a move touches only the moved item. Repeated midpoint
// insertion between the same pair halves the gap each time; after roughly
// fifty splits float64 can no longer represent a value strictly between the
// two and Index reports the collapse so the caller can Renumber.
package ordering

const (
	// Baseline is the position of the first item of an empty list.
	Baseline = 1000.0
	// Gap is the step used when inserting before the first or after the last
	// item, and the spacing produced by Renumber.
	Gap = 1000.0
)

// Index returns the position for an item inserted at insertIndex into
// siblings, which must be sorted ascending and must not contain the item
// being moved. insertIndex is clamped to [0, len(siblings)].
//
// The boolean is false when the neighbours are too close for a distinct
// midpoint; the returned value then equals the lower neighbour and the
// category needs Renumber.
func Index(siblings []float64, insertIndex int) (float64, bool) {
	n := len(siblings)
	if n == 0 {
		return Baseline, true
	}
	if insertIndex <= 0 {
		return siblings[0] - Gap, true
	}
	if insertIndex >= n {
		return siblings[n-1] + Gap, true
	}
	lo, hi := siblings[insertIndex-1], siblings[insertIndex]
	mid := lo + (hi-lo)/2
	if mid <= lo || mid >= hi {
		return lo, false
	}
	return mid, true
}

// Append returns the position for a new item placed after every sibling.
// siblings need not be sorted.
func Append(siblings []float64) float64 {
	if len(siblings) == 0 {
		return Baseline
	}
	max := siblings[0]
	for _, p := range siblings[1:] {
		if p > max {
			max = p
		}
	}
	return max + Gap
}

// Renumber returns n evenly spaced positions starting at Baseline.
func Renumber(n int) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = Baseline + float64(i)*Gap
	}
	return out
}
