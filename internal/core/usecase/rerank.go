package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
	"github.com/BinkyTwin/reviewxiv/internal/core/ports"
)

const maxLLMScore = 10.0

var scoreArrayPattern = regexp.MustCompile(`\[[^\[\]]*\]`)

type RerankSettings struct {
	BatchSize    int
	ExcerptChars int
	Concurrency  int
}

type LLMReranker struct {
	llm      ports.ChatCompleter
	settings RerankSettings
	logger   *slog.Logger
}

type rerankResult struct {
	chunk        domain.ContextChunk
	score        float64
	originalRank int
}

func NewLLMReranker(llm ports.ChatCompleter, settings RerankSettings, logger *slog.Logger) *LLMReranker {
	if settings.BatchSize <= 0 {
		settings.BatchSize = 5
	}
	if settings.ExcerptChars <= 0 {
		settings.ExcerptChars = 300
	}
	if settings.Concurrency <= 0 {
		settings.Concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMReranker{llm: llm, settings: settings, logger: logger}
}

// Rerank scores chunks with the LLM and returns the topK best. It never
// fails: when scoring cannot run at all, the first topK chunks come back in
// their original order with their original scores.
func (r *LLMReranker) Rerank(ctx context.Context, query string, chunks []domain.ContextChunk, topK int) []domain.ContextChunk {
	if topK <= 0 || len(chunks) <= topK {
		return chunks
	}

	scores, err := r.scoreAll(ctx, query, chunks)
	if err != nil {
		r.logger.Warn("rerank_fallback", "error", err, "candidates", len(chunks), "top_k", topK)
		out := make([]domain.ContextChunk, topK)
		copy(out, chunks[:topK])
		return out
	}

	results := make([]rerankResult, len(chunks))
	for i, chunk := range chunks {
		results[i] = rerankResult{chunk: chunk, score: scores[i], originalRank: i}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].originalRank < results[j].originalRank
	})

	out := make([]domain.ContextChunk, 0, topK)
	for _, res := range results[:topK] {
		chunk := res.chunk
		chunk.Score = res.score
		out = append(out, chunk)
	}
	return out
}

func (r *LLMReranker) scoreAll(ctx context.Context, query string, chunks []domain.ContextChunk) ([]float64, error) {
	if r.llm == nil {
		return nil, domain.WrapError(domain.ErrConfig, "rerank", errors.New("no completion client configured"))
	}

	size := r.settings.BatchSize
	batchCount := (len(chunks) + size - 1) / size
	perBatch := make([][]float64, batchCount)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.settings.Concurrency)
	for b := 0; b < batchCount; b++ {
		start := b * size
		end := min(start+size, len(chunks))
		batch := chunks[start:end]
		g.Go(func() error {
			scores, err := r.scoreBatch(gctx, query, batch)
			if err != nil {
				return err
			}
			perBatch[b] = scores
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]float64, 0, len(chunks))
	for _, scores := range perBatch {
		out = append(out, scores...)
	}
	return out, nil
}

// scoreBatch returns normalized scores for one batch. Only errors that make
// the whole pass pointless are returned; anything else degrades to the
// fallback sequence for this batch.
func (r *LLMReranker) scoreBatch(ctx context.Context, query string, batch []domain.ContextChunk) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reply, err := r.llm.Complete(ctx, buildRerankPrompt(query, batch, r.settings.ExcerptChars))
	if err != nil {
		if domain.IsKind(err, domain.ErrConfig) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, err
		}
		r.logger.Warn("rerank_batch_fallback", "reason", "completion_failed", "error", err, "batch_size", len(batch))
		return fallbackScores(len(batch)), nil
	}

	raw, err := parseScoreArray(reply, len(batch))
	if err != nil {
		r.logger.Warn("rerank_batch_fallback", "reason", "unparsable_reply", "error", err, "batch_size", len(batch))
		return fallbackScores(len(batch)), nil
	}
	return normalizeBatchScores(raw), nil
}

// parseScoreArray extracts the first bracketed array from reply. Extra
// entries are dropped; a short array is a parse failure.
func parseScoreArray(reply string, want int) ([]float64, error) {
	match := scoreArrayPattern.FindString(reply)
	if match == "" {
		return nil, domain.WrapError(domain.ErrParse, "parse rerank scores", errors.New("no array in reply"))
	}
	var values []float64
	if err := json.Unmarshal([]byte(match), &values); err != nil {
		return nil, domain.WrapError(domain.ErrParse, "parse rerank scores", err)
	}
	if len(values) < want {
		return nil, domain.WrapError(domain.ErrParse, "parse rerank scores", fmt.Errorf("got %d scores for %d passages", len(values), want))
	}
	return values[:want], nil
}

func normalizeBatchScores(raw []float64) []float64 {
	out := make([]float64, len(raw))
	maxScore := 1.0
	for i, v := range raw {
		if math.IsNaN(v) {
			v = 0
		}
		v = math.Max(0, math.Min(maxLLMScore, v))
		out[i] = v
		if v > maxScore {
			maxScore = v
		}
	}
	for i := range out {
		out[i] /= maxScore
	}
	return out
}

// fallbackScores is the deterministic sequence 1, 0.9, 0.8, ... floored at 0.
func fallbackScores(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Max(0, 1-0.1*float64(i))
	}
	return out
}
