package attribution

import (
	"refsync/entity"
)

// Candidate is the invite code inferred to have caused a join.
type Candidate struct {
	Code  string
	Delta int
	// Ambiguous is set when more than one code increased between the two
	// snapshots. The winner is still deterministic, see Diff.
	Ambiguous bool
	Increased int
}

// Diff compares two snapshots of the same group and returns the code whose
// use count increased.
//
// Only codes present in both snapshots are compared: a code that exists only
// in next is a newly created invite, a code that exists only in prev was
// deleted. A nil prev means there is no baseline and nothing can be inferred.
//
// When several codes increased the one with the largest delta wins; equal
// deltas are resolved by the lexicographically smallest code. The result is
// flagged Ambiguous so callers can surface it.
func Diff(prev, next entity.Snapshot) (Candidate, bool) {
	if prev == nil || next == nil {
		return Candidate{}, false
	}

	var best Candidate
	found := false
	for code, count := range next {
		before, ok := prev[code]
		if !ok {
			continue
		}
		delta := count - before
		if delta <= 0 {
			continue
		}
		best.Increased++
		if !found || delta > best.Delta || (delta == best.Delta && code < best.Code) {
			best.Code = code
			best.Delta = delta
			found = true
		}
	}
	if !found {
		return Candidate{}, false
	}
	best.Ambiguous = best.Increased > 1
	return best, true
}
