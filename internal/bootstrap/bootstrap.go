package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BinkyTwin/reviewxiv/internal/config"
	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
	"github.com/BinkyTwin/reviewxiv/internal/core/ports"
	"github.com/BinkyTwin/reviewxiv/internal/core/usecase"
	"github.com/BinkyTwin/reviewxiv/internal/infrastructure/index/memory"
	"github.com/BinkyTwin/reviewxiv/internal/infrastructure/llm/openai"
	"github.com/BinkyTwin/reviewxiv/internal/infrastructure/queue/nats"
	"github.com/BinkyTwin/reviewxiv/internal/infrastructure/repository/postgres"
	"github.com/BinkyTwin/reviewxiv/internal/infrastructure/resilience"
	"github.com/BinkyTwin/reviewxiv/internal/infrastructure/vector/qdrant"
	"github.com/BinkyTwin/reviewxiv/internal/observability/metrics"
)

// ChunkWriter stores chunk text ahead of the embedding job.
type ChunkWriter interface {
	UpsertChunks(ctx context.Context, chunks []domain.Chunk) error
}

type Options struct {
	Service string
	Logger  *slog.Logger
	// Registerer receives the resilience metrics. Nil skips them.
	Registerer prometheus.Registerer
	// WithoutQueue skips the NATS connection.
	WithoutQueue bool
}

type App struct {
	Config config.Config
	Logger *slog.Logger

	Queue     *nats.Queue
	Chunks    ChunkWriter
	Searcher  ports.PaperSearcher
	Indexer   ports.PaperIndexer
	Requester ports.EmbeddingRequester

	closeFn func()
}

type storage struct {
	index  ports.ChunkIndex
	store  ports.ChunkStore
	lock   ports.EmbeddingLock
	chunks ChunkWriter
	mirror ports.ChunkIndexWriter
	db     *sql.DB
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Service == "" {
		opts.Service = "reviewxiv"
	}

	st, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	executorOpts := []resilience.Option{resilience.WithLogger(logger)}
	if opts.Registerer != nil {
		executorOpts = append(executorOpts, resilience.WithObserver(metrics.NewResilienceMetrics(opts.Service, opts.Registerer)))
	}
	timeout := time.Duration(cfg.LLMTimeoutSeconds) * time.Second

	embeddingClient := openai.New(openai.ClientConfig{
		BaseURL: cfg.EmbeddingBaseURL,
		APIKey:  cfg.EmbeddingAPIKey,
		Timeout: timeout,
	}, resilience.NewExecutor(resilience.EmbeddingConfig(), executorOpts...), logger)
	embedder := openai.NewEmbedder(embeddingClient, openai.EmbedderConfig{
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDimensions,
		BatchSize:  cfg.EmbedBatchSize,
	})

	var reranker ports.Reranker
	if cfg.LLMAPIKey != "" {
		llmClient := openai.New(openai.ClientConfig{
			BaseURL: cfg.LLMBaseURL,
			APIKey:  cfg.LLMAPIKey,
			Timeout: timeout,
			Headers: map[string]string{"X-Title": "reviewxiv"},
		}, resilience.NewExecutor(resilience.CompletionConfig(), executorOpts...), logger)
		completer := openai.NewCompleter(llmClient, openai.CompleterConfig{
			Model:       cfg.RerankModel,
			Temperature: 0,
		})
		reranker = usecase.NewLLMReranker(completer, usecase.RerankSettings{
			BatchSize:    cfg.RerankBatchSize,
			ExcerptChars: cfg.RerankExcerptChars,
			Concurrency:  cfg.RerankConcurrency,
		}, logger)
	} else {
		logger.Warn("reranker_disabled", "reason", "no llm api key")
	}

	retriever := usecase.NewCandidateRetriever(st.index, usecase.RetrieverSettings{
		HybridWeights: cfg.HybridWeights(),
		MMRPoolSize:   cfg.RAGMMRPoolSize,
	})
	searchUC := usecase.NewSearchUseCase(embedder, retriever, reranker, cfg.RetrievalDefaults(), logger)
	indexUC := usecase.NewIndexPaperUseCase(st.store, st.lock, embedder, st.mirror, usecase.IndexSettings{
		LockTTL:        time.Duration(cfg.EmbeddingLockTTLMinutes) * time.Minute,
		EmbeddingModel: embedder.Model(),
	}, logger)

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Chunks:   st.chunks,
		Searcher: searchUC,
		Indexer:  indexUC,
	}

	if !opts.WithoutQueue && cfg.NATSURL != "" {
		queue, err := nats.New(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			ResilienceExecutor: resilience.NewExecutor(resilience.PublishConfig(), executorOpts...),
			Logger:             logger,
		})
		if err != nil {
			st.close()
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		app.Queue = queue
		app.Requester = usecase.NewEmbeddingRequestUseCase(queue)
	}

	app.closeFn = func() {
		if app.Queue != nil {
			app.Queue.Close()
		}
		st.close()
	}
	return app, nil
}

func openStorage(ctx context.Context, cfg config.Config) (*storage, error) {
	if cfg.IndexBackend == config.IndexBackendMemory {
		idx := memory.New()
		return &storage{index: idx, store: idx, lock: idx, chunks: idx}, nil
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, db, cfg.EmbeddingDimensions); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	repo := postgres.NewChunkRepository(db)
	st := &storage{
		index:  postgres.NewChunkIndex(db),
		store:  repo,
		lock:   postgres.NewEmbeddingLockRepository(db),
		chunks: repo,
		db:     db,
	}
	if cfg.IndexBackend == config.IndexBackendQdrant {
		vectors := qdrant.New(cfg.QdrantURL, cfg.QdrantCollection)
		st.index = vectors
		st.mirror = vectors
	}
	return st, nil
}

func (s *storage) close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
