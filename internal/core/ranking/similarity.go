// Package ranking holds the scoring math shared by chunk index backends:
// cosine similarity, BM25 lexical scores, weighted fusion and MMR selection.
package ranking

import "math"

// Cosine returns the cosine similarity of a and b, or 0 when the vectors
// differ in length or one of them has zero norm.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// FuseWeighted combines a vector and a lexical score.
func FuseWeighted(vectorScore, textScore, vectorWeight, textWeight float64) float64 {
	return vectorWeight*vectorScore + textWeight*textScore
}

// NormalizeByMax divides every score by the maximum. Non-positive maxima
// yield all zeros.
func NormalizeByMax(scores []float64) []float64 {
	out := make([]float64, len(scores))
	maxScore := 0.0
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	if maxScore <= 0 {
		return out
	}
	for i, s := range scores {
		if s > 0 {
			out[i] = s / maxScore
		}
	}
	return out
}
