package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
)

const (
	defaultEmbedBatchSize  = 25
	defaultEmbedDimensions = 1536
)

type EmbedderConfig struct {
	Model string
	// Dimensions is the expected vector length. Vectors of another length
	// are reported as failures. Negative disables the check.
	Dimensions int
	BatchSize  int
}

type Embedder struct {
	client *Client
	cfg    EmbedderConfig
}

func NewEmbedder(client *Client, cfg EmbedderConfig) *Embedder {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = defaultEmbedDimensions
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultEmbedBatchSize
	}
	return &Embedder{client: client, cfg: cfg}
}

func (e *Embedder) Model() string {
	return e.cfg.Model
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	results, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, domain.WrapError(domain.ErrProvider, "embed query", errors.New("empty embedding result"))
	}
	if results[0].Err != nil {
		return nil, results[0].Err
	}
	return results[0].Vector, nil
}

// EmbedBatch embeds texts in sub-batches of at most BatchSize inputs. The
// result has one entry per input, in input order. A failed sub-batch marks
// its inputs as failed; the call itself only fails when nothing could be
// embedded, on missing credentials, or on cancellation.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([]domain.EmbeddingResult, error) {
	if len(texts) == 0 {
		return []domain.EmbeddingResult{}, nil
	}
	if !e.client.configured() {
		return nil, domain.WrapError(domain.ErrConfig, "embed", errors.New("embedding api key is not configured"))
	}

	results := make([]domain.EmbeddingResult, len(texts))
	var lastErr error
	succeeded := 0
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(texts))
		err := e.embedRange(ctx, texts[start:end], results[start:end])
		if err == nil {
			for _, r := range results[start:end] {
				if r.OK() {
					succeeded++
				}
			}
			continue
		}
		if domain.IsKind(err, domain.ErrConfig) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		for i := start; i < end; i++ {
			results[i] = domain.EmbeddingResult{Err: err}
		}
	}

	if succeeded == 0 && lastErr != nil {
		return nil, lastErr
	}
	return results, nil
}

func (e *Embedder) embedRange(ctx context.Context, texts []string, dst []domain.EmbeddingResult) error {
	var response embeddingResponse
	if err := e.client.postJSON(ctx, "/embeddings", embeddingRequest{Model: e.cfg.Model, Input: texts}, &response, "embed"); err != nil {
		return err
	}

	e.client.logger.Debug("embedding_usage",
		"model", e.cfg.Model,
		"inputs", len(texts),
		"prompt_tokens", response.Usage.PromptTokens,
		"total_tokens", response.Usage.TotalTokens,
	)

	filled := make([]bool, len(texts))
	for _, item := range response.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			continue
		}
		if e.cfg.Dimensions > 0 && len(item.Embedding) != e.cfg.Dimensions {
			dst[item.Index] = domain.EmbeddingResult{Err: domain.WrapError(domain.ErrProvider, "embed",
				fmt.Errorf("expected %d dimensions, got %d", e.cfg.Dimensions, len(item.Embedding)))}
			filled[item.Index] = true
			continue
		}
		dst[item.Index] = domain.EmbeddingResult{Vector: item.Embedding}
		filled[item.Index] = true
	}
	for i, ok := range filled {
		if !ok {
			dst[i] = domain.EmbeddingResult{Err: domain.WrapError(domain.ErrProvider, "embed", fmt.Errorf("no embedding returned for input %d", i))}
		}
	}
	return nil
}
