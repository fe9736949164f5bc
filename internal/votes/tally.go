package votes

import "math"

// pickLeader returns the current winner under the ranking rules: highest
// count, ties broken by earliest first vote, then by smallest candidate ID
// so the result is deterministic either way.
func pickLeader(counts map[string]int64, firstVotes map[string]int64) (string, int64) {
	var leader string
	best := int64(-1)
	bestFirst := int64(math.MaxInt64)
	for candidate, n := range counts {
		first, ok := firstVotes[candidate]
		if !ok {
			first = math.MaxInt64
		}
		switch {
		case n > best:
		case n == best && first < bestFirst:
		case n == best && first == bestFirst && candidate < leader:
		default:
			continue
		}
		leader, best, bestFirst = candidate, n, first
	}
	return leader, best
}

// electionDecision reports whether the election is mathematically settled:
// either the ballot box is full, or the leader's margin over the runner-up
// already exceeds the votes still outstanding.
func electionDecision(counts map[string]int64, firstVotes map[string]int64, eligible int) (winner string, done bool) {
	var total int64
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return "", false
	}

	leader, leaderCount := pickLeader(counts, firstVotes)
	if total >= int64(eligible) {
		return leader, true
	}

	runnerUp := int64(0)
	for candidate, n := range counts {
		if candidate != leader && n > runnerUp {
			runnerUp = n
		}
	}
	remaining := int64(eligible) - total
	if leaderCount-runnerUp >= remaining {
		return leader, true
	}
	return "", false
}

// mutinyNeed is the yes-vote target: ⌈threshold·eligible⌉.
func mutinyNeed(threshold float64, eligible int) int64 {
	return int64(math.Ceil(threshold * float64(eligible)))
}

// mutinyDecision settles a mutiny as soon as the outcome cannot change:
// passes when yes reaches the target, fails when the outstanding votes can
// no longer get it there.
func mutinyDecision(yes, no int64, eligible int, threshold float64) (passed, done bool) {
	need := mutinyNeed(threshold, eligible)
	if yes >= need {
		return true, true
	}
	remaining := int64(eligible) - yes - no
	if yes+remaining < need {
		return false, true
	}
	return false, false
}
