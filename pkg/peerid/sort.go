package peerid

import "sort"

// sortIDs sorts ids ascending by XOR distance to target using the same
// tie-break rule as CloserTo.
func sortIDs(target ID, ids []ID) {
	sort.Slice(ids, func(i, j int) bool {
		return CloserTo(target, ids[i], ids[j])
	})
}

// Closest returns the n IDs from candidates closest to target, ascending.
// If there are fewer than n candidates, all of them are returned.
func Closest(target ID, candidates []ID, n int) []ID {
	cp := make([]ID, len(candidates))
	copy(cp, candidates)
	sortIDs(target, cp)
	if n < len(cp) {
		cp = cp[:n]
	}
	return cp
}

// Farthest returns the single candidate farthest from target. Returns the
// zero ID and false if candidates is empty.
func Farthest(target ID, candidates []ID) (ID, bool) {
	if len(candidates) == 0 {
		return ID{}, false
	}
	farthest := candidates[0]
	for _, c := range candidates[1:] {
		if CloserTo(target, farthest, c) {
			farthest = c
		}
	}
	return farthest, true
}
