package ranking

import "math"

// Candidate is one entry of an MMR pool.
type Candidate struct {
	Relevance float64
	Vector    []float32
}

// Selection is a picked candidate. Index points into the input pool;
// Diversity is 1 minus the highest similarity to earlier picks (1 for the
// first pick).
type Selection struct {
	Index     int
	Relevance float64
	Diversity float64
	Score     float64
}

// SelectMMR greedily picks up to k candidates maximizing
// lambda*relevance - (1-lambda)*maxSimilarity(selected). Ties go to the more
// relevant candidate, then to the earlier one.
func SelectMMR(pool []Candidate, k int, lambda float64) []Selection {
	if k <= 0 || len(pool) == 0 {
		return nil
	}
	if k > len(pool) {
		k = len(pool)
	}

	// maxSim[i] tracks the highest similarity of pool[i] to any selected item.
	maxSim := make([]float64, len(pool))
	for i := range maxSim {
		maxSim[i] = math.Inf(-1)
	}
	taken := make([]bool, len(pool))
	out := make([]Selection, 0, k)

	for len(out) < k {
		best := -1
		bestScore := 0.0
		for i, cand := range pool {
			if taken[i] {
				continue
			}
			penalty := 0.0
			if len(out) > 0 {
				penalty = maxSim[i]
			}
			score := lambda*cand.Relevance - (1-lambda)*penalty
			if best < 0 || score > bestScore || (score == bestScore && cand.Relevance > pool[best].Relevance) {
				best = i
				bestScore = score
			}
		}
		if best < 0 {
			break
		}

		diversity := 1.0
		if len(out) > 0 {
			diversity = 1 - maxSim[best]
		}
		taken[best] = true
		out = append(out, Selection{
			Index:     best,
			Relevance: pool[best].Relevance,
			Diversity: diversity,
			Score:     bestScore,
		})

		for i, cand := range pool {
			if taken[i] {
				continue
			}
			if sim := Cosine(cand.Vector, pool[best].Vector); sim > maxSim[i] {
				maxSim[i] = sim
			}
		}
	}
	return out
}
