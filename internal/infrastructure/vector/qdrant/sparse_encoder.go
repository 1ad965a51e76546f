package qdrant

import (
	"cmp"
	"hash/fnv"
	"maps"
	"slices"

	"github.com/BinkyTwin/reviewxiv/internal/core/ranking"
)

type sparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

const (
	bm25K1 = 1.2
	bm25B  = 0.75
	// avgChunkTokens approximates the token count of a default 900-character chunk.
	avgChunkTokens = 150
	maxSparseTerms = 256
)

// encodeSparseDocument weighs chunk terms with BM25 saturation and length
// normalization. IDF is applied by the collection's sparse modifier.
func encodeSparseDocument(text string) sparseVector {
	tokens := ranking.Tokenize(text)
	norm := bm25K1 * (1 - bm25B + bm25B*float64(len(tokens))/avgChunkTokens)
	return toSparse(termCounts(tokens), func(tf float64) float64 {
		return tf * (bm25K1 + 1) / (tf + norm)
	})
}

// encodeSparseQuery gives every distinct query term weight 1, so the dot
// product sums the document weights of matched terms.
func encodeSparseQuery(query string) sparseVector {
	return toSparse(termCounts(ranking.Tokenize(query)), func(float64) float64 { return 1 })
}

func termCounts(tokens []string) map[uint32]float64 {
	counts := make(map[uint32]float64, len(tokens))
	for _, token := range tokens {
		if token != "" {
			counts[termID(token)]++
		}
	}
	return counts
}

// toSparse keeps the maxSparseTerms most frequent terms and returns them in
// ascending index order.
func toSparse(counts map[uint32]float64, weight func(tf float64) float64) sparseVector {
	if len(counts) == 0 {
		return sparseVector{}
	}
	indices := slices.Collect(maps.Keys(counts))
	if len(indices) > maxSparseTerms {
		slices.SortFunc(indices, func(a, b uint32) int {
			if c := cmp.Compare(counts[b], counts[a]); c != 0 {
				return c
			}
			return cmp.Compare(a, b)
		})
		indices = indices[:maxSparseTerms]
	}
	slices.Sort(indices)

	values := make([]float32, len(indices))
	for i, idx := range indices {
		values[i] = float32(weight(counts[idx]))
	}
	return sparseVector{Indices: indices, Values: values}
}

// termID hashes a token into the sparse index space. Zero is reserved.
func termID(token string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	if sum := h.Sum32(); sum != 0 {
		return sum
	}
	return 1
}
