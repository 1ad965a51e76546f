package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
	"github.com/BinkyTwin/reviewxiv/internal/core/ports"
)

const tracerName = "github.com/BinkyTwin/reviewxiv/internal/core/usecase"

type SearchUseCase struct {
	embedder  ports.Embedder
	retriever *CandidateRetriever
	reranker  ports.Reranker
	defaults  domain.RetrievalOptions
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewSearchUseCase wires the orchestrator. reranker may be nil, in which
// case results are truncated instead of re-ranked.
func NewSearchUseCase(
	embedder ports.Embedder,
	retriever *CandidateRetriever,
	reranker ports.Reranker,
	defaults domain.RetrievalOptions,
	logger *slog.Logger,
) *SearchUseCase {
	if defaults.TopK <= 0 {
		defaults = domain.DefaultRetrievalOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchUseCase{
		embedder:  embedder,
		retriever: retriever,
		reranker:  reranker,
		defaults:  defaults,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
	}
}

func (uc *SearchUseCase) Search(ctx context.Context, documentID, query string, opts domain.SearchOptions) (*domain.SearchResponse, error) {
	started := time.Now()
	ctx, span := uc.tracer.Start(ctx, "search")
	defer span.End()

	resp, err := uc.search(ctx, documentID, query, opts, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("search.method", string(resp.Method)),
		attribute.Int("search.results", len(resp.Chunks)),
		attribute.Bool("search.reranked", resp.Reranked),
	)
	return resp, nil
}

func (uc *SearchUseCase) search(ctx context.Context, documentID, query string, opts domain.SearchOptions, started time.Time) (*domain.SearchResponse, error) {
	documentID = strings.TrimSpace(documentID)
	query = strings.TrimSpace(query)
	if documentID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "search", errors.New("paper id is required"))
	}
	if query == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "search", errors.New("query is required"))
	}

	resolved := opts.Merge(uc.defaults)
	if err := resolved.Validate(); err != nil {
		return nil, err
	}

	queryVector, err := uc.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	method := resolved.Method()
	candidates, err := uc.retrieve(ctx, RetrieveRequest{
		DocumentID:     documentID,
		QueryVector:    queryVector,
		QueryText:      query,
		CandidateCount: resolved.CandidateCount(),
		Strategy:       method,
		MMRLambda:      resolved.MMRLambda,
		PageRange:      resolved.PageRange,
	})
	if err != nil {
		return nil, err
	}

	chunks, reranked := uc.finalize(ctx, query, candidates, resolved)
	elapsed := time.Since(started)

	uc.logger.Info("search_completed",
		"paper_id", documentID,
		"method", method,
		"candidates", len(candidates),
		"results", len(chunks),
		"reranked", reranked,
		"duration_ms", elapsed.Milliseconds(),
	)
	return &domain.SearchResponse{
		Chunks:     chunks,
		SearchTime: elapsed.Milliseconds(),
		Method:     method,
		Reranked:   reranked,
	}, nil
}

func (uc *SearchUseCase) embedQuery(ctx context.Context, query string) ([]float32, error) {
	ctx, span := uc.tracer.Start(ctx, "search.embed")
	defer span.End()
	vec, err := uc.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("embedding.dimensions", len(vec)))
	return vec, nil
}

func (uc *SearchUseCase) retrieve(ctx context.Context, req RetrieveRequest) ([]domain.ContextChunk, error) {
	ctx, span := uc.tracer.Start(ctx, "search.retrieve", trace.WithAttributes(
		attribute.String("retrieve.strategy", string(req.Strategy)),
		attribute.Int("retrieve.candidates", req.CandidateCount),
	))
	defer span.End()
	chunks, err := uc.retriever.Retrieve(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("retrieve.results", len(chunks)))
	return chunks, nil
}

func (uc *SearchUseCase) finalize(ctx context.Context, query string, candidates []domain.ContextChunk, opts domain.RetrievalOptions) ([]domain.ContextChunk, bool) {
	if opts.UseReranking && uc.reranker != nil && len(candidates) > opts.TopK {
		ctx, span := uc.tracer.Start(ctx, "search.rerank", trace.WithAttributes(
			attribute.Int("rerank.candidates", len(candidates)),
			attribute.Int("rerank.top_k", opts.TopK),
		))
		defer span.End()
		return uc.reranker.Rerank(ctx, query, candidates, opts.TopK), true
	}
	if len(candidates) > opts.TopK {
		candidates = candidates[:opts.TopK]
	}
	return candidates, false
}
