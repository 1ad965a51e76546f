package domain

import (
	"errors"
	"fmt"
)

type RetrievalMethod string

const (
	MethodVector RetrievalMethod = "vector"
	MethodHybrid RetrievalMethod = "hybrid"
	MethodMMR    RetrievalMethod = "mmr"
)

// PageRange is an inclusive range of 1-based page numbers.
type PageRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r PageRange) Contains(loc Location) bool {
	if !loc.HasPage() {
		return false
	}
	return loc.Page >= r.Start && loc.Page <= r.End
}

type HybridWeights struct {
	Vector float64
	Text   float64
}

func DefaultHybridWeights() HybridWeights {
	return HybridWeights{Vector: 0.7, Text: 0.3}
}

// RetrievalOptions are the resolved options of one search call.
type RetrievalOptions struct {
	TopK             int
	UseHybrid        bool
	UseMMR           bool
	UseReranking     bool
	MMRLambda        float64
	RerankCandidates int
	PageRange        *PageRange
}

func DefaultRetrievalOptions() RetrievalOptions {
	return RetrievalOptions{
		TopK:             8,
		UseHybrid:        true,
		UseMMR:           true,
		UseReranking:     true,
		MMRLambda:        0.7,
		RerankCandidates: 20,
	}
}

// Method picks the retrieval strategy: mmr wins over hybrid, hybrid over vector.
func (o RetrievalOptions) Method() RetrievalMethod {
	switch {
	case o.UseMMR:
		return MethodMMR
	case o.UseHybrid:
		return MethodHybrid
	default:
		return MethodVector
	}
}

// CandidateCount is how many candidates to pull from the index before
// re-ranking or truncation.
func (o RetrievalOptions) CandidateCount() int {
	if o.UseReranking {
		return o.RerankCandidates
	}
	return o.TopK
}

func (o RetrievalOptions) Validate() error {
	var errs []error
	if o.TopK <= 0 {
		errs = append(errs, fmt.Errorf("topK must be positive, got %d", o.TopK))
	}
	if o.MMRLambda < 0 || o.MMRLambda > 1 {
		errs = append(errs, fmt.Errorf("mmrLambda must be within [0,1], got %g", o.MMRLambda))
	}
	if o.RerankCandidates <= 0 {
		errs = append(errs, fmt.Errorf("rerankCandidates must be positive, got %d", o.RerankCandidates))
	}
	if o.PageRange != nil {
		if o.PageRange.Start <= 0 || o.PageRange.End < o.PageRange.Start {
			errs = append(errs, fmt.Errorf("pageRange must satisfy 1 <= start <= end, got %d-%d", o.PageRange.Start, o.PageRange.End))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return WrapError(ErrInvalidInput, "validate retrieval options", errors.Join(errs...))
}

// SearchOptions is the caller-facing, partially filled variant of
// RetrievalOptions. Nil fields keep the defaults.
type SearchOptions struct {
	TopK             *int       `json:"topK,omitempty"`
	UseHybrid        *bool      `json:"useHybrid,omitempty"`
	UseMMR           *bool      `json:"useMmr,omitempty"`
	UseReranking     *bool      `json:"useReranking,omitempty"`
	MMRLambda        *float64   `json:"mmrLambda,omitempty"`
	RerankCandidates *int       `json:"rerankCandidates,omitempty"`
	PageRange        *PageRange `json:"pageRange,omitempty"`
}

func (o SearchOptions) Merge(base RetrievalOptions) RetrievalOptions {
	out := base
	if o.TopK != nil {
		out.TopK = *o.TopK
	}
	if o.UseHybrid != nil {
		out.UseHybrid = *o.UseHybrid
	}
	if o.UseMMR != nil {
		out.UseMMR = *o.UseMMR
	}
	if o.UseReranking != nil {
		out.UseReranking = *o.UseReranking
	}
	if o.MMRLambda != nil {
		out.MMRLambda = *o.MMRLambda
	}
	if o.RerankCandidates != nil {
		out.RerankCandidates = *o.RerankCandidates
	}
	if o.PageRange != nil {
		pr := *o.PageRange
		out.PageRange = &pr
	}
	return out
}

// SearchResponse is the result of one orchestrated search.
type SearchResponse struct {
	Chunks     []ContextChunk  `json:"chunks"`
	SearchTime int64           `json:"searchTime"`
	Method     RetrievalMethod `json:"method"`
	Reranked   bool            `json:"-"`
}
