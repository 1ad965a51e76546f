package ports

import (
	"context"
	"time"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
)

// Embedder builds vectors for chunk batches and query text.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one result per input, in input order. A non-nil
	// error means the whole batch failed.
	EmbedBatch(ctx context.Context, texts []string) ([]domain.EmbeddingResult, error)
}

// ChunkIndex answers similarity queries scoped to one paper. Rows come back
// ordered by descending score.
type ChunkIndex interface {
	QueryVector(ctx context.Context, documentID string, vector []float32, limit int) ([]domain.IndexRow, error)
	QueryHybrid(ctx context.Context, documentID string, vector []float32, text string, limit int, weights domain.HybridWeights) ([]domain.IndexRow, error)
	QueryMMR(ctx context.Context, documentID string, vector []float32, limit int, lambda float64, poolSize int) ([]domain.IndexRow, error)
}

// ChunkIndexWriter mirrors embedded chunks into a secondary index.
type ChunkIndexWriter interface {
	IndexChunks(ctx context.Context, chunks []domain.Chunk) error
}

// ChatCompleter runs a single-turn completion.
type ChatCompleter interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Reranker reorders candidates by relevance to the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []domain.ContextChunk, topK int) []domain.ContextChunk
}

// ChunkStore reads chunks awaiting embeddings and persists the results.
type ChunkStore interface {
	ListPendingChunks(ctx context.Context, documentID, afterID string, limit int) ([]domain.Chunk, error)
	SaveEmbeddings(ctx context.Context, embeddings []domain.ChunkEmbedding) error
}

// EmbeddingLock guards the embedding job of a paper. A lock older than
// staleAfter may be taken over.
type EmbeddingLock interface {
	Acquire(ctx context.Context, documentID, owner string, staleAfter time.Duration) (bool, error)
	Release(ctx context.Context, documentID, owner string) error
}

// JobQueue publishes and consumes embedding job requests.
type JobQueue interface {
	PublishEmbeddingRequested(ctx context.Context, documentID string) error
	SubscribeEmbeddingRequested(ctx context.Context, handler func(context.Context, string) error) error
}
