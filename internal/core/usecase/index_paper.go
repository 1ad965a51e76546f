package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
	"github.com/BinkyTwin/reviewxiv/internal/core/ports"
)

type IndexSettings struct {
	PageSize       int
	LockTTL        time.Duration
	EmbeddingModel string
}

// IndexPaperUseCase embeds the pending chunks of one paper. Only one job per
// paper runs at a time; a lock older than LockTTL is taken over.
type IndexPaperUseCase struct {
	store    ports.ChunkStore
	lock     ports.EmbeddingLock
	embedder ports.Embedder
	mirror   ports.ChunkIndexWriter
	settings IndexSettings
	logger   *slog.Logger
	now      func() time.Time
}

// NewIndexPaperUseCase builds the job. mirror is optional.
func NewIndexPaperUseCase(
	store ports.ChunkStore,
	lock ports.EmbeddingLock,
	embedder ports.Embedder,
	mirror ports.ChunkIndexWriter,
	settings IndexSettings,
	logger *slog.Logger,
) *IndexPaperUseCase {
	if settings.PageSize <= 0 {
		settings.PageSize = 100
	}
	if settings.LockTTL <= 0 {
		settings.LockTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexPaperUseCase{
		store:    store,
		lock:     lock,
		embedder: embedder,
		mirror:   mirror,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

func (uc *IndexPaperUseCase) IndexPaper(ctx context.Context, documentID string) (*domain.IndexReport, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "index paper", errors.New("paper id is required"))
	}

	started := uc.now()
	report := &domain.IndexReport{DocumentID: documentID}
	owner := uuid.NewString()

	acquired, err := uc.lock.Acquire(ctx, documentID, owner, uc.settings.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire embedding lock: %w", err)
	}
	if !acquired {
		report.Skipped = true
		uc.logger.Info("embedding_job_skipped", "paper_id", documentID, "reason", "locked")
		return report, nil
	}
	defer func() {
		if relErr := uc.lock.Release(context.WithoutCancel(ctx), documentID, owner); relErr != nil {
			uc.logger.Warn("embedding_lock_release_failed", "paper_id", documentID, "error", relErr)
		}
	}()

	afterID := ""
	for {
		chunks, err := uc.loadPage(ctx, documentID, afterID)
		if err != nil {
			return nil, err
		}
		if len(chunks) == 0 {
			break
		}
		afterID = chunks[len(chunks)-1].ID

		embedded, failed, err := uc.embedPage(ctx, chunks)
		if err != nil {
			return nil, err
		}
		report.Failed += failed
		if len(embedded) == 0 {
			uc.logger.Warn("embedding_job_stalled", "paper_id", documentID, "failed", failed)
			break
		}

		if err := uc.persist(ctx, embedded); err != nil {
			return nil, err
		}
		report.Embedded += len(embedded)
		uc.mirrorChunks(ctx, documentID, embedded)

		if len(chunks) < uc.settings.PageSize {
			break
		}
	}

	report.Duration = uc.now().Sub(started)
	uc.logger.Info("embedding_job_completed",
		"paper_id", documentID,
		"embedded", report.Embedded,
		"failed", report.Failed,
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report, nil
}

func (uc *IndexPaperUseCase) loadPage(ctx context.Context, documentID, afterID string) ([]domain.Chunk, error) {
	chunks, err := uc.store.ListPendingChunks(ctx, documentID, afterID, uc.settings.PageSize)
	if err != nil {
		return nil, fmt.Errorf("list pending chunks: %w", err)
	}
	return chunks, nil
}

// embedPage returns the chunks that received an embedding and the number
// that did not. Only configuration errors abort the job.
func (uc *IndexPaperUseCase) embedPage(ctx context.Context, chunks []domain.Chunk) ([]domain.Chunk, int, error) {
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}

	results, err := uc.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		if domain.IsKind(err, domain.ErrConfig) || ctx.Err() != nil {
			return nil, 0, fmt.Errorf("embed chunks: %w", err)
		}
		uc.logger.Warn("embedding_batch_failed", "chunks", len(chunks), "error", err)
		return nil, len(chunks), nil
	}

	now := uc.now().UTC()
	embedded := make([]domain.Chunk, 0, len(chunks))
	failed := 0
	for i, chunk := range chunks {
		if i >= len(results) || !results[i].OK() {
			failed++
			continue
		}
		chunk.Embedding = results[i].Vector
		chunk.EmbeddingModel = uc.settings.EmbeddingModel
		chunk.EmbeddedAt = &now
		embedded = append(embedded, chunk)
	}
	return embedded, failed, nil
}

func (uc *IndexPaperUseCase) persist(ctx context.Context, chunks []domain.Chunk) error {
	embeddings := make([]domain.ChunkEmbedding, 0, len(chunks))
	for _, chunk := range chunks {
		embeddings = append(embeddings, domain.ChunkEmbedding{
			ChunkID:    chunk.ID,
			Vector:     chunk.Embedding,
			Model:      chunk.EmbeddingModel,
			EmbeddedAt: *chunk.EmbeddedAt,
		})
	}
	if err := uc.store.SaveEmbeddings(ctx, embeddings); err != nil {
		return fmt.Errorf("save embeddings: %w", err)
	}
	return nil
}

func (uc *IndexPaperUseCase) mirrorChunks(ctx context.Context, documentID string, chunks []domain.Chunk) {
	if uc.mirror == nil {
		return
	}
	if err := uc.mirror.IndexChunks(ctx, chunks); err != nil {
		uc.logger.Warn("embedding_mirror_failed", "paper_id", documentID, "chunks", len(chunks), "error", err)
	}
}

// EmbeddingRequestUseCase publishes an embedding job for the worker.
type EmbeddingRequestUseCase struct {
	queue ports.JobQueue
}

func NewEmbeddingRequestUseCase(queue ports.JobQueue) *EmbeddingRequestUseCase {
	return &EmbeddingRequestUseCase{queue: queue}
}

func (uc *EmbeddingRequestUseCase) RequestEmbedding(ctx context.Context, documentID string) error {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "request embedding", errors.New("paper id is required"))
	}
	if err := uc.queue.PublishEmbeddingRequested(ctx, documentID); err != nil {
		return fmt.Errorf("publish embedding request: %w", err)
	}
	return nil
}
