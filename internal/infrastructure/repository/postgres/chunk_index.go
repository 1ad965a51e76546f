package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
	"github.com/BinkyTwin/reviewxiv/internal/core/ranking"
)

const chunkColumns = `id, format, page_number, section_id, start_offset, end_offset, content`

// documentOrder breaks score ties by position in the paper.
const documentOrder = `page_number NULLS FIRST, section_id NULLS FIRST, start_offset, id`

// ChunkIndex answers similarity queries with pgvector cosine distance and the
// generated tsvector column.
type ChunkIndex struct {
	db *sql.DB
}

func NewChunkIndex(db *sql.DB) *ChunkIndex {
	return &ChunkIndex{db: db}
}

func (i *ChunkIndex) QueryVector(ctx context.Context, documentID string, vector []float32, limit int) ([]domain.IndexRow, error) {
	if limit <= 0 {
		return []domain.IndexRow{}, nil
	}
	rows, err := i.db.QueryContext(ctx, `
SELECT `+chunkColumns+`, 1 - (embedding <=> $2) AS vector_score
FROM paper_chunks
WHERE paper_id = $1 AND embedding IS NOT NULL
ORDER BY embedding <=> $2, `+documentOrder+`
LIMIT $3
`, documentID, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("query vector: %w", err)
	}
	defer rows.Close()

	out := make([]domain.IndexRow, 0, limit)
	for rows.Next() {
		row, err := scanIndexRow(rows)
		if err != nil {
			return nil, err
		}
		row.Score = row.VectorScore
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector rows: %w", err)
	}
	return out, nil
}

// QueryHybrid fuses cosine similarity with ts_rank_cd. The text rank is
// divided by its maximum over the paper so both legs lie in [0,1].
func (i *ChunkIndex) QueryHybrid(ctx context.Context, documentID string, vector []float32, text string, limit int, weights domain.HybridWeights) ([]domain.IndexRow, error) {
	if limit <= 0 {
		return []domain.IndexRow{}, nil
	}
	rows, err := i.db.QueryContext(ctx, `
WITH scored AS (
	SELECT `+chunkColumns+`,
		1 - (embedding <=> $2) AS vector_score,
		ts_rank_cd(content_tsv, plainto_tsquery('english', $3)) AS text_rank
	FROM paper_chunks
	WHERE paper_id = $1 AND embedding IS NOT NULL
), normalized AS (
	SELECT *,
		CASE WHEN MAX(text_rank) OVER () > 0 THEN text_rank / MAX(text_rank) OVER () ELSE 0 END AS text_score
	FROM scored
)
SELECT `+chunkColumns+`, vector_score, text_score, $4 * vector_score + $5 * text_score AS score
FROM normalized
ORDER BY score DESC, `+documentOrder+`
LIMIT $6
`, documentID, pgvector.NewVector(vector), text, weights.Vector, weights.Text, limit)
	if err != nil {
		return nil, fmt.Errorf("query hybrid: %w", err)
	}
	defer rows.Close()

	out := make([]domain.IndexRow, 0, limit)
	for rows.Next() {
		var textScore, score float64
		row, err := scanIndexRow(rows, &textScore, &score)
		if err != nil {
			return nil, err
		}
		row.TextScore = textScore
		row.Score = score
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hybrid rows: %w", err)
	}
	return out, nil
}

// QueryMMR loads the poolSize nearest chunks with their vectors and runs the
// greedy MMR selection in process.
func (i *ChunkIndex) QueryMMR(ctx context.Context, documentID string, vector []float32, limit int, lambda float64, poolSize int) ([]domain.IndexRow, error) {
	if limit <= 0 {
		return []domain.IndexRow{}, nil
	}
	if poolSize < limit {
		poolSize = limit
	}
	rows, err := i.db.QueryContext(ctx, `
SELECT `+chunkColumns+`, 1 - (embedding <=> $2) AS vector_score, embedding
FROM paper_chunks
WHERE paper_id = $1 AND embedding IS NOT NULL
ORDER BY embedding <=> $2, `+documentOrder+`
LIMIT $3
`, documentID, pgvector.NewVector(vector), poolSize)
	if err != nil {
		return nil, fmt.Errorf("query mmr pool: %w", err)
	}
	defer rows.Close()

	pool := make([]domain.IndexRow, 0, poolSize)
	candidates := make([]ranking.Candidate, 0, poolSize)
	for rows.Next() {
		var emb pgvector.Vector
		row, err := scanIndexRow(rows, &emb)
		if err != nil {
			return nil, err
		}
		pool = append(pool, row)
		candidates = append(candidates, ranking.Candidate{Relevance: row.VectorScore, Vector: emb.Slice()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mmr rows: %w", err)
	}

	selected := ranking.SelectMMR(candidates, limit, lambda)
	out := make([]domain.IndexRow, 0, len(selected))
	for _, sel := range selected {
		row := pool[sel.Index]
		row.Score = sel.Relevance
		row.Diversity = sel.Diversity
		out = append(out, row)
	}
	return out, nil
}

// scanIndexRow reads the chunk columns and vector_score followed by extra
// destinations.
func scanIndexRow(rows *sql.Rows, extra ...any) (domain.IndexRow, error) {
	var (
		row     domain.IndexRow
		format  string
		page    sql.NullInt64
		section sql.NullString
	)
	dest := []any{&row.ChunkID, &format, &page, &section, &row.Start, &row.End, &row.Content, &row.VectorScore}
	dest = append(dest, extra...)
	if err := rows.Scan(dest...); err != nil {
		return domain.IndexRow{}, fmt.Errorf("scan index row: %w", err)
	}
	row.Location = locationFromColumns(format, page, section)
	return row, nil
}
