package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
	"github.com/BinkyTwin/reviewxiv/internal/core/ports"
)

type RetrieverSettings struct {
	HybridWeights domain.HybridWeights
	// MMRPoolSize is the oversampled pool MMR selects from. It never drops
	// below the requested candidate count.
	MMRPoolSize int
}

type RetrieveRequest struct {
	DocumentID     string
	QueryVector    []float32
	QueryText      string
	CandidateCount int
	Strategy       domain.RetrievalMethod
	MMRLambda      float64
	PageRange      *domain.PageRange
}

type CandidateRetriever struct {
	index    ports.ChunkIndex
	settings RetrieverSettings
}

func NewCandidateRetriever(index ports.ChunkIndex, settings RetrieverSettings) *CandidateRetriever {
	if settings.HybridWeights.Vector == 0 && settings.HybridWeights.Text == 0 {
		settings.HybridWeights = domain.DefaultHybridWeights()
	}
	if settings.MMRPoolSize <= 0 {
		settings.MMRPoolSize = 50
	}
	return &CandidateRetriever{index: index, settings: settings}
}

func (r *CandidateRetriever) Retrieve(ctx context.Context, req RetrieveRequest) ([]domain.ContextChunk, error) {
	if strings.TrimSpace(req.DocumentID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("document id is required"))
	}
	if req.CandidateCount <= 0 {
		return []domain.ContextChunk{}, nil
	}

	var (
		rows []domain.IndexRow
		err  error
	)
	switch req.Strategy {
	case domain.MethodVector:
		rows, err = r.index.QueryVector(ctx, req.DocumentID, req.QueryVector, req.CandidateCount)
	case domain.MethodHybrid:
		rows, err = r.index.QueryHybrid(ctx, req.DocumentID, req.QueryVector, req.QueryText, req.CandidateCount, r.settings.HybridWeights)
	case domain.MethodMMR:
		pool := max(r.settings.MMRPoolSize, req.CandidateCount)
		rows, err = r.index.QueryMMR(ctx, req.DocumentID, req.QueryVector, req.CandidateCount, req.MMRLambda, pool)
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", fmt.Errorf("unknown strategy %q", req.Strategy))
	}
	if err != nil {
		return nil, domain.NewRetrievalError(req.Strategy, err)
	}

	if len(rows) > req.CandidateCount {
		rows = rows[:req.CandidateCount]
	}
	out := make([]domain.ContextChunk, 0, len(rows))
	for _, row := range rows {
		if req.PageRange != nil && !req.PageRange.Contains(row.Location) {
			continue
		}
		out = append(out, row.ContextChunk())
	}
	return out, nil
}
