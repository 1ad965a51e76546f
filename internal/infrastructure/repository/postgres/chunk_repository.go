package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
)

// ChunkRepository stores paper chunks and their embeddings in paper_chunks.
type ChunkRepository struct {
	db *sql.DB
}

func NewChunkRepository(db *sql.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// UpsertChunks writes chunks as produced by the chunker. Existing embeddings
// are kept when the content of a chunk did not change.
func (r *ChunkRepository) UpsertChunks(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, chunk := range chunks {
		if err := chunk.Validate(); err != nil {
			return err
		}
		format := chunk.Location.Format
		if format == "" {
			format = domain.FormatPDF
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO paper_chunks (id, paper_id, format, page_number, section_id, start_offset, end_offset, content)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE
SET paper_id = EXCLUDED.paper_id,
	format = EXCLUDED.format,
	page_number = EXCLUDED.page_number,
	section_id = EXCLUDED.section_id,
	start_offset = EXCLUDED.start_offset,
	end_offset = EXCLUDED.end_offset,
	content = EXCLUDED.content,
	embedding = CASE WHEN paper_chunks.content = EXCLUDED.content THEN paper_chunks.embedding ELSE NULL END
`,
			chunk.ID, chunk.DocumentID, string(format), nullablePage(chunk.Location), nullableSection(chunk.Location),
			chunk.Start, chunk.End, chunk.Content,
		)
		if err != nil {
			return fmt.Errorf("upsert chunk %s: %w", chunk.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

// ListPendingChunks pages through chunks without an embedding in id order,
// starting after afterID.
func (r *ChunkRepository) ListPendingChunks(ctx context.Context, documentID, afterID string, limit int) ([]domain.Chunk, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, paper_id, format, page_number, section_id, start_offset, end_offset, content
FROM paper_chunks
WHERE paper_id = $1 AND embedding IS NULL AND id > $2
ORDER BY id
LIMIT $3
`, documentID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending chunks: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Chunk, 0, limit)
	for rows.Next() {
		var (
			chunk   domain.Chunk
			format  string
			page    sql.NullInt64
			section sql.NullString
		)
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &format, &page, &section, &chunk.Start, &chunk.End, &chunk.Content); err != nil {
			return nil, fmt.Errorf("scan pending chunk: %w", err)
		}
		chunk.Location = locationFromColumns(format, page, section)
		out = append(out, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending chunks: %w", err)
	}
	return out, nil
}

func (r *ChunkRepository) SaveEmbeddings(ctx context.Context, embeddings []domain.ChunkEmbedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin embeddings tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, emb := range embeddings {
		embeddedAt := emb.EmbeddedAt
		if embeddedAt.IsZero() {
			embeddedAt = time.Now().UTC()
		}
		res, err := tx.ExecContext(ctx, `
UPDATE paper_chunks
SET embedding = $2, embedding_model = $3, embedded_at = $4
WHERE id = $1
`, emb.ChunkID, pgvector.NewVector(emb.Vector), emb.Model, embeddedAt)
		if err != nil {
			return fmt.Errorf("save embedding %s: %w", emb.ChunkID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("save embedding rows affected: %w", err)
		}
		if affected == 0 {
			return domain.WrapError(domain.ErrDocumentNotFound, "save embedding", errors.New("chunk not found: "+emb.ChunkID))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit embeddings tx: %w", err)
	}
	return nil
}

func nullablePage(loc domain.Location) sql.NullInt64 {
	if !loc.HasPage() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(loc.Page), Valid: true}
}

func nullableSection(loc domain.Location) sql.NullString {
	if loc.SectionID == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: loc.SectionID, Valid: true}
}

func locationFromColumns(format string, page sql.NullInt64, section sql.NullString) domain.Location {
	if domain.DocumentFormat(format) == domain.FormatHTML || section.Valid && section.String != "" {
		return domain.SectionLocation(section.String)
	}
	loc := domain.Location{Format: domain.FormatPDF}
	if page.Valid {
		loc.Page = int(page.Int64)
	}
	return loc
}
