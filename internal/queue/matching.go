package queue

import "codeduel-backend/internal/battle"

// IsCompatible reports whether two queued players may be paired: different
// users whose ratings differ by at most threshold.
func IsCompatible(a, b battle.MatchmakingEntry, threshold int) bool {
	if a.UserID == b.UserID {
		return false
	}
	diff := a.RatingScore - b.RatingScore
	if diff < 0 {
		diff = -diff
	}
	return diff <= threshold
}

// firstCompatible scans from the head, so the longest-waiting compatible
// player wins.
func firstCompatible(entries []queuedEntry, candidate battle.MatchmakingEntry, threshold int) int {
	for i, e := range entries {
		if !e.ok {
			continue
		}
		if IsCompatible(candidate, e.entry, threshold) {
			return i
		}
	}
	return -1
}
