package ranking

import (
	"math"
	"strings"
	"unicode"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Tokenize lowercases s and splits it into runs of letters and digits.
func Tokenize(s string) []string {
	if s == "" {
		return nil
	}
	out := make([]string, 0, 24)
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// BM25 scores a fixed corpus of documents against queries.
type BM25 struct {
	docs   []map[string]int
	lens   []int
	df     map[string]int
	avgLen float64
}

func NewBM25(docs []string) *BM25 {
	idx := &BM25{
		docs: make([]map[string]int, len(docs)),
		lens: make([]int, len(docs)),
		df:   make(map[string]int),
	}
	total := 0
	for i, doc := range docs {
		tokens := Tokenize(doc)
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		for tok := range tf {
			idx.df[tok]++
		}
		idx.docs[i] = tf
		idx.lens[i] = len(tokens)
		total += len(tokens)
	}
	if len(docs) > 0 {
		idx.avgLen = float64(total) / float64(len(docs))
	}
	return idx
}

// Score returns one raw BM25 score per document, in corpus order.
func (b *BM25) Score(query string) []float64 {
	scores := make([]float64, len(b.docs))
	if len(b.docs) == 0 {
		return scores
	}
	terms := uniqueTokens(Tokenize(query))
	n := float64(len(b.docs))
	for _, term := range terms {
		df := b.df[term]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
		for i, doc := range b.docs {
			f := float64(doc[term])
			if f == 0 {
				continue
			}
			norm := 1.0
			if b.avgLen > 0 {
				norm = 1 - bm25B + bm25B*float64(b.lens[i])/b.avgLen
			}
			scores[i] += idf * (f * (bm25K1 + 1)) / (f + bm25K1*norm)
		}
	}
	return scores
}

// NormalizedLexicalScores scores docs against query with BM25 and scales the
// result into [0,1] by the maximum.
func NormalizedLexicalScores(query string, docs []string) []float64 {
	return NormalizeByMax(NewBM25(docs).Score(query))
}

func uniqueTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}
