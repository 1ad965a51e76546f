package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BinkyTwin/reviewxiv/internal/bootstrap"
	"github.com/BinkyTwin/reviewxiv/internal/config"
	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
	"github.com/BinkyTwin/reviewxiv/internal/core/usecase"
	"github.com/BinkyTwin/reviewxiv/internal/infrastructure/chunking"
	"github.com/BinkyTwin/reviewxiv/internal/observability/logging"
)

type env struct {
	loadConfig func() (config.Config, error)
	openApp    func(ctx context.Context, cfg config.Config, opts bootstrap.Options) (*bootstrap.App, error)
	readFile   func(path string) (io.ReadCloser, error)
}

func defaultEnv() env {
	return env{
		loadConfig: config.Load,
		openApp:    bootstrap.New,
		readFile: func(path string) (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
}

type searchFlags struct {
	topK        int
	hybrid      bool
	mmr         bool
	rerank      bool
	lambda      float64
	pageStart   int
	pageEnd     int
	highlight   string
	tokenBudget int
	textOnly    bool
}

type searchOutput struct {
	PaperID         string                          `json:"paperId"`
	Method          domain.RetrievalMethod          `json:"method"`
	SearchTime      int64                           `json:"searchTime"`
	Chunks          []domain.ContextChunk           `json:"chunks"`
	Context         string                          `json:"context"`
	ChunkMap        map[string]domain.ChunkLocation `json:"chunkMap"`
	EstimatedTokens int                             `json:"estimatedTokens"`
}

func newRootCommand(e env) *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:          "searchctl",
		Short:        "Search papers and run embedding jobs",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level written to stderr")

	open := func(cmd *cobra.Command, mutate func(*config.Config)) (*bootstrap.App, error) {
		cfg, err := e.loadConfig()
		if err != nil {
			return nil, err
		}
		if mutate != nil {
			mutate(&cfg)
		}
		return e.openApp(cmd.Context(), cfg, bootstrap.Options{
			Service:      "searchctl",
			Logger:       logging.NewTextLogger(cmd.ErrOrStderr(), logLevel),
			WithoutQueue: true,
		})
	}

	root.AddCommand(newSearchCommand(open), newEmbedCommand(open), newLocalCommand(e, open))
	return root
}

type openFunc func(cmd *cobra.Command, mutate func(*config.Config)) (*bootstrap.App, error)

func newSearchCommand(open openFunc) *cobra.Command {
	flags := &searchFlags{}
	cmd := &cobra.Command{
		Use:   "search <paper-id> <query>",
		Short: "Retrieve the most relevant chunks of an indexed paper",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options(cmd)
			if err != nil {
				return err
			}
			app, err := open(cmd, nil)
			if err != nil {
				return err
			}
			defer app.Close()
			return runSearch(cmd, app, args[0], args[1], opts, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func newEmbedCommand(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "embed <paper-id>",
		Short: "Embed the pending chunks of a paper",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := open(cmd, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Indexer.IndexPaper(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
}

// newLocalCommand chunks a text file into an in-memory index, embeds it and
// searches it. No database is touched.
func newLocalCommand(e env, open openFunc) *cobra.Command {
	flags := &searchFlags{}
	var paperID string
	cmd := &cobra.Command{
		Use:   "local <file> <query>",
		Short: "Search a plain-text paper without a database",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options(cmd)
			if err != nil {
				return err
			}

			f, err := e.readFile(args[0])
			if err != nil {
				return fmt.Errorf("open paper: %w", err)
			}
			pages, err := chunking.ReadPages(f)
			_ = f.Close()
			if err != nil {
				return err
			}

			var splitter *chunking.Splitter
			app, err := open(cmd, func(cfg *config.Config) {
				cfg.IndexBackend = config.IndexBackendMemory
				splitter = chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
			})
			if err != nil {
				return err
			}
			defer app.Close()

			chunks := splitter.SplitPages(paperID, pages)
			if len(chunks) == 0 {
				return domain.WrapError(domain.ErrInvalidInput, "local search", errors.New("paper has no text"))
			}
			if err := app.Chunks.UpsertChunks(cmd.Context(), chunks); err != nil {
				return err
			}
			report, err := app.Indexer.IndexPaper(cmd.Context(), paperID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "indexed %d chunks (%d failed)\n", report.Embedded, report.Failed)

			return runSearch(cmd, app, paperID, args[1], opts, flags)
		},
	}
	cmd.Flags().StringVar(&paperID, "paper-id", "local", "paper id assigned to the file")
	flags.register(cmd)
	return cmd
}

func (f *searchFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.IntVar(&f.topK, "top-k", 8, "number of chunks to return")
	fs.BoolVar(&f.hybrid, "hybrid", true, "fuse vector and full-text scores")
	fs.BoolVar(&f.mmr, "mmr", true, "diversify results with maximal marginal relevance")
	fs.BoolVar(&f.rerank, "rerank", true, "re-rank candidates with the LLM")
	fs.Float64Var(&f.lambda, "lambda", 0.7, "MMR relevance weight")
	fs.IntVar(&f.pageStart, "page-start", 0, "first page to search")
	fs.IntVar(&f.pageEnd, "page-end", 0, "last page to search")
	fs.StringVar(&f.highlight, "highlight", "", "text to mark in the assembled context")
	fs.IntVar(&f.tokenBudget, "token-budget", 0, "approximate token budget for the context")
	fs.BoolVar(&f.textOnly, "text", false, "print only the assembled context")
}

// options returns only the flags the user set so configured defaults apply
// to the rest.
func (f *searchFlags) options(cmd *cobra.Command) (domain.SearchOptions, error) {
	fs := cmd.Flags()
	var opts domain.SearchOptions
	if fs.Changed("top-k") {
		opts.TopK = &f.topK
	}
	if fs.Changed("hybrid") {
		opts.UseHybrid = &f.hybrid
	}
	if fs.Changed("mmr") {
		opts.UseMMR = &f.mmr
	}
	if fs.Changed("rerank") {
		opts.UseReranking = &f.rerank
	}
	if fs.Changed("lambda") {
		opts.MMRLambda = &f.lambda
	}
	start, end := fs.Changed("page-start"), fs.Changed("page-end")
	if start != end {
		return opts, domain.WrapError(domain.ErrInvalidInput, "search flags", errors.New("--page-start and --page-end must be set together"))
	}
	if start {
		opts.PageRange = &domain.PageRange{Start: f.pageStart, End: f.pageEnd}
	}
	return opts, nil
}

func runSearch(cmd *cobra.Command, app *bootstrap.App, paperID, query string, opts domain.SearchOptions, flags *searchFlags) error {
	if strings.TrimSpace(query) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "search", errors.New("query is required"))
	}
	resp, err := app.Searcher.Search(cmd.Context(), paperID, query, opts)
	if err != nil {
		return err
	}

	chunks := resp.Chunks
	if flags.tokenBudget > 0 {
		chunks = usecase.FitToTokenBudget(chunks, flags.tokenBudget, flags.highlight)
	}
	text := usecase.BuildContext(chunks, flags.highlight)
	if flags.textOnly {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
		return err
	}
	return writeJSON(cmd.OutOrStdout(), searchOutput{
		PaperID:         paperID,
		Method:          resp.Method,
		SearchTime:      resp.SearchTime,
		Chunks:          chunks,
		Context:         text,
		ChunkMap:        usecase.ParseChunkMetadata(text),
		EstimatedTokens: usecase.EstimateTokens(text),
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
