package usecase

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
	"github.com/BinkyTwin/reviewxiv/internal/core/ranking"
)

// hashEmbedder maps text onto a small bag-of-words vector.
type hashEmbedder struct {
	dims     int
	err      error
	batchErr error
	failIdx  map[int]bool
	calls    int
}

func (e *hashEmbedder) vector(text string) []float32 {
	dims := e.dims
	if dims <= 0 {
		dims = 16
	}
	vec := make([]float32, dims)
	for _, tok := range ranking.Tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[int(h.Sum32())%dims]++
	}
	return vec
}

func (e *hashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return e.vector(text), nil
}

func (e *hashEmbedder) EmbedBatch(_ context.Context, texts []string) ([]domain.EmbeddingResult, error) {
	e.calls++
	if e.batchErr != nil {
		return nil, e.batchErr
	}
	out := make([]domain.EmbeddingResult, len(texts))
	for i, text := range texts {
		if e.failIdx[i] {
			out[i] = domain.EmbeddingResult{Err: domain.ErrProvider}
			continue
		}
		out[i] = domain.EmbeddingResult{Vector: e.vector(text)}
	}
	return out, nil
}

type indexCall struct {
	method   domain.RetrievalMethod
	limit    int
	lambda   float64
	poolSize int
	weights  domain.HybridWeights
}

// fakeIndex is a brute-force ChunkIndex over in-memory chunks.
type fakeIndex struct {
	chunks []domain.Chunk
	err    error
	calls  []indexCall
}

func (f *fakeIndex) embedded(documentID string) []domain.Chunk {
	out := make([]domain.Chunk, 0, len(f.chunks))
	for _, c := range f.chunks {
		if c.DocumentID == documentID && c.Embedded() {
			out = append(out, c)
		}
	}
	return out
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

func sortRows(rows []domain.IndexRow) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Score > rows[j].Score })
}

func (f *fakeIndex) QueryVector(_ context.Context, documentID string, vector []float32, limit int) ([]domain.IndexRow, error) {
	f.calls = append(f.calls, indexCall{method: domain.MethodVector, limit: limit})
	if f.err != nil {
		return nil, f.err
	}
	rows := make([]domain.IndexRow, 0)
	for _, c := range f.embedded(documentID) {
		rows = append(rows, rowFor(c, ranking.Cosine(vector, c.Embedding)))
	}
	sortRows(rows)
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *fakeIndex) QueryHybrid(_ context.Context, documentID string, vector []float32, text string, limit int, weights domain.HybridWeights) ([]domain.IndexRow, error) {
	f.calls = append(f.calls, indexCall{method: domain.MethodHybrid, limit: limit, weights: weights})
	if f.err != nil {
		return nil, f.err
	}
	chunks := f.embedded(documentID)
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
	sortRows(rows)
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *fakeIndex) QueryMMR(_ context.Context, documentID string, vector []float32, limit int, lambda float64, poolSize int) ([]domain.IndexRow, error) {
	f.calls = append(f.calls, indexCall{method: domain.MethodMMR, limit: limit, lambda: lambda, poolSize: poolSize})
	if f.err != nil {
		return nil, f.err
	}
	chunks := f.embedded(documentID)
	pool := make([]ranking.Candidate, len(chunks))
	for i, c := range chunks {
		pool[i] = ranking.Candidate{Relevance: ranking.Cosine(vector, c.Embedding), Vector: c.Embedding}
	}
	rows := make([]domain.IndexRow, 0, limit)
	for _, sel := range ranking.SelectMMR(pool, limit, lambda) {
		row := rowFor(chunks[sel.Index], sel.Relevance)
		row.Diversity = sel.Diversity
		rows = append(rows, row)
	}
	return rows, nil
}

// scriptedCompleter replies by matching a marker in the prompt.
type scriptedCompleter struct {
	mu       sync.Mutex
	replies  map[string]string
	errs     map[string]error
	fallback string
	err      error
	prompts  []string
}

func (c *scriptedCompleter) Complete(_ context.Context, prompt string) (string, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	for marker, err := range c.errs {
		if strings.Contains(prompt, marker) {
			return "", err
		}
	}
	for marker, reply := range c.replies {
		if strings.Contains(prompt, marker) {
			return reply, nil
		}
	}
	return c.fallback, nil
}

func (c *scriptedCompleter) promptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

type chunkStoreFake struct {
	chunks   []domain.Chunk
	saved    []domain.ChunkEmbedding
	listErr  error
	saveErr  error
	listArgs []string
}

func (f *chunkStoreFake) ListPendingChunks(_ context.Context, documentID, afterID string, limit int) ([]domain.Chunk, error) {
	f.listArgs = append(f.listArgs, afterID)
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.Chunk, 0, limit)
	for _, c := range f.chunks {
		if c.DocumentID != documentID || c.ID <= afterID || c.Embedded() {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *chunkStoreFake) SaveEmbeddings(_ context.Context, embeddings []domain.ChunkEmbedding) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, embeddings...)
	return nil
}

type lockFake struct {
	held       bool
	acquireErr error
	acquired   []string
	released   []string
	ttl        time.Duration
}

func (f *lockFake) Acquire(_ context.Context, documentID, owner string, staleAfter time.Duration) (bool, error) {
	if f.acquireErr != nil {
		return false, f.acquireErr
	}
	f.ttl = staleAfter
	if f.held {
		return false, nil
	}
	f.acquired = append(f.acquired, documentID+"/"+owner)
	return true, nil
}

func (f *lockFake) Release(_ context.Context, documentID, owner string) error {
	f.released = append(f.released, documentID+"/"+owner)
	return nil
}

type mirrorFake struct {
	indexed []domain.Chunk
	err     error
}

func (f *mirrorFake) IndexChunks(_ context.Context, chunks []domain.Chunk) error {
	if f.err != nil {
		return f.err
	}
	f.indexed = append(f.indexed, chunks...)
	return nil
}

type jobQueueFake struct {
	published []string
	err       error
}

func (f *jobQueueFake) PublishEmbeddingRequested(_ context.Context, documentID string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, documentID)
	return nil
}

func (f *jobQueueFake) SubscribeEmbeddingRequested(context.Context, func(context.Context, string) error) error {
	return nil
}
