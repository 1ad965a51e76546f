// Package memory is a brute-force, in-process chunk index for development and
// tests. It also serves as chunk store and embedding lock so that the whole
// embedding job can run without external services.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
	"github.com/BinkyTwin/reviewxiv/internal/core/ranking"
)

type lockEntry struct {
	owner    string
	lockedAt time.Time
}

type Index struct {
	mu     sync.RWMutex
	chunks map[string]domain.Chunk
	locks  map[string]lockEntry
	now    func() time.Time
}

func New() *Index {
	return &Index{
		chunks: make(map[string]domain.Chunk),
		locks:  make(map[string]lockEntry),
		now:    time.Now,
	}
}

// UpsertChunks stores chunks as given. Chunks that already carry an
// embedding are queryable right away.
func (x *Index) UpsertChunks(_ context.Context, chunks []domain.Chunk) error {
	for _, c := range chunks {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, c := range chunks {
		c.Embedding = append([]float32(nil), c.Embedding...)
		x.chunks[c.ID] = c
	}
	return nil
}

// IndexChunks satisfies ports.ChunkIndexWriter. Unembedded chunks are skipped.
func (x *Index) IndexChunks(ctx context.Context, chunks []domain.Chunk) error {
	embedded := make([]domain.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Embedded() {
			embedded = append(embedded, c)
		}
	}
	return x.UpsertChunks(ctx, embedded)
}

func (x *Index) ListPendingChunks(_ context.Context, documentID, afterID string, limit int) ([]domain.Chunk, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]domain.Chunk, 0)
	for _, c := range x.chunks {
		if c.DocumentID == documentID && !c.Embedded() && c.ID > afterID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (x *Index) SaveEmbeddings(_ context.Context, embeddings []domain.ChunkEmbedding) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, emb := range embeddings {
		if _, ok := x.chunks[emb.ChunkID]; !ok {
			return domain.WrapError(domain.ErrDocumentNotFound, "save embedding", errChunkNotFound(emb.ChunkID))
		}
	}
	for _, emb := range embeddings {
		c := x.chunks[emb.ChunkID]
		c.Embedding = append([]float32(nil), emb.Vector...)
		c.EmbeddingModel = emb.Model
		at := emb.EmbeddedAt
		c.EmbeddedAt = &at
		x.chunks[emb.ChunkID] = c
	}
	return nil
}

func (x *Index) Acquire(_ context.Context, documentID, owner string, staleAfter time.Duration) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	now := x.now()
	if held, ok := x.locks[documentID]; ok && held.owner != owner && now.Sub(held.lockedAt) <= staleAfter {
		return false, nil
	}
	x.locks[documentID] = lockEntry{owner: owner, lockedAt: now}
	return true, nil
}

func (x *Index) Release(_ context.Context, documentID, owner string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if held, ok := x.locks[documentID]; ok && held.owner == owner {
		delete(x.locks, documentID)
	}
	return nil
}

func (x *Index) QueryVector(_ context.Context, documentID string, vector []float32, limit int) ([]domain.IndexRow, error) {
	chunks := x.embedded(documentID)
	rows := make([]domain.IndexRow, 0, len(chunks))
	for _, c := range chunks {
		vs := ranking.Cosine(vector, c.Embedding)
		row := rowFor(c, vs)
		row.VectorScore = vs
		rows = append(rows, row)
	}
	return topRows(rows, limit), nil
}

func (x *Index) QueryHybrid(_ context.Context, documentID string, vector []float32, text string, limit int, weights domain.HybridWeights) ([]domain.IndexRow, error) {
	chunks := x.embedded(documentID)
	docs := make([]string, len(chunks))
	for i, c := range chunks {
		docs[i] = c.Content
	}
	lexical := ranking.NormalizedLexicalScores(text, docs)
	rows := make([]domain.IndexRow, 0, len(chunks))
	for i, c := range chunks {
		vs := ranking.Cosine(vector, c.Embedding)
		row := rowFor(c, ranking.FuseWeighted(vs, lexical[i], weights.Vector, weights.Text))
		row.VectorScore, row.TextScore = vs, lexical[i]
		rows = append(rows, row)
	}
	return topRows(rows, limit), nil
}

// QueryMMR runs MMR over the poolSize chunks closest to vector.
func (x *Index) QueryMMR(ctx context.Context, documentID string, vector []float32, limit int, lambda float64, poolSize int) ([]domain.IndexRow, error) {
	if poolSize < limit {
		poolSize = limit
	}
	pool, _ := x.QueryVector(ctx, documentID, vector, poolSize)
	candidates := make([]ranking.Candidate, len(pool))
	for i, row := range pool {
		candidates[i] = ranking.Candidate{Relevance: row.VectorScore, Vector: x.vectorOf(row.ChunkID)}
	}
	out := make([]domain.IndexRow, 0, limit)
	for _, sel := range ranking.SelectMMR(candidates, limit, lambda) {
		row := pool[sel.Index]
		row.Score = sel.Relevance
		row.Diversity = sel.Diversity
		out = append(out, row)
	}
	return out, nil
}

// embedded returns the paper's embedded chunks in document order, so equal
// scores keep that order after the stable sort in topRows.
func (x *Index) embedded(documentID string) []domain.Chunk {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]domain.Chunk, 0)
	for _, c := range x.chunks {
		if c.DocumentID == documentID && c.Embedded() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return documentOrderLess(out[i], out[j]) })
	return out
}

func documentOrderLess(a, b domain.Chunk) bool {
	if domain.PositionLess(a.Location, a.Start, b.Location, b.Start) {
		return true
	}
	if domain.PositionLess(b.Location, b.Start, a.Location, a.Start) {
		return false
	}
	return a.ID < b.ID
}

func (x *Index) vectorOf(chunkID string) []float32 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.chunks[chunkID].Embedding
}

func rowFor(c domain.Chunk, score float64) domain.IndexRow {
	return domain.IndexRow{
		ChunkID:  c.ID,
		Location: c.Location,
		Start:    c.Start,
		End:      c.End,
		Content:  c.Content,
		Score:    score,
	}
}

func topRows(rows []domain.IndexRow, limit int) []domain.IndexRow {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Score > rows[j].Score })
	if limit < 0 {
		limit = 0
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

type errChunkNotFound string

func (e errChunkNotFound) Error() string { return "chunk not found: " + string(e) }
