package ports

import (
	"context"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
)

// PaperSearcher is the inbound contract for retrieval over one paper.
type PaperSearcher interface {
	Search(ctx context.Context, documentID, query string, opts domain.SearchOptions) (*domain.SearchResponse, error)
}

// PaperIndexer is the inbound contract for the embedding job of one paper.
type PaperIndexer interface {
	IndexPaper(ctx context.Context, documentID string) (*domain.IndexReport, error)
}

// EmbeddingRequester schedules an asynchronous embedding job.
type EmbeddingRequester interface {
	RequestEmbedding(ctx context.Context, documentID string) error
}
