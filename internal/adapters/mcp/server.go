// Package mcpadapter exposes paper search as an MCP tool.
package mcpadapter

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
	"github.com/BinkyTwin/reviewxiv/internal/core/ports"
	"github.com/BinkyTwin/reviewxiv/internal/core/usecase"
)

const (
	serverName     = "reviewxiv"
	serverVersion  = "1.0.0"
	searchToolName = "search_paper"
)

// SearchResult is the structured payload of the search_paper tool.
type SearchResult struct {
	PaperID         string                          `json:"paperId"`
	Method          domain.RetrievalMethod          `json:"method"`
	SearchTime      int64                           `json:"searchTime"`
	Chunks          []domain.ContextChunk           `json:"chunks"`
	Context         string                          `json:"context"`
	ChunkMap        map[string]domain.ChunkLocation `json:"chunkMap"`
	EstimatedTokens int                             `json:"estimatedTokens"`
}

type Server struct {
	searcher ports.PaperSearcher
	logger   *slog.Logger
	mcp      *server.MCPServer
}

func NewServer(searcher ports.PaperSearcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		searcher: searcher,
		logger:   logger,
		mcp: server.NewMCPServer(serverName, serverVersion,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	s.mcp.AddTool(searchTool(), s.handleSearch)
	return s
}

// HTTPHandler serves the streamable HTTP transport, mounted at /mcp.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp, server.WithStateLess(true))
}

func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func searchTool() mcp.Tool {
	return mcp.NewTool(searchToolName,
		mcp.WithDescription("Search passages of one paper and return them with an assembled, citation-ready context."),
		mcp.WithString("paperId", mcp.Required(), mcp.Description("Identifier of the paper to search.")),
		mcp.WithString("query", mcp.Required(), mcp.Description("Question or topic to look up.")),
		mcp.WithNumber("topK", mcp.Min(1), mcp.Description("Number of passages to return.")),
		mcp.WithBoolean("useHybrid", mcp.Description("Blend lexical and vector scores.")),
		mcp.WithBoolean("useMmr", mcp.Description("Diversify passages with maximal marginal relevance.")),
		mcp.WithBoolean("useReranking", mcp.Description("Re-rank candidates with the language model.")),
		mcp.WithNumber("mmrLambda", mcp.Min(0), mcp.Max(1), mcp.Description("Relevance weight of MMR, 1 means no diversity.")),
		mcp.WithNumber("pageStart", mcp.Min(1), mcp.Description("First page to search, inclusive.")),
		mcp.WithNumber("pageEnd", mcp.Min(1), mcp.Description("Last page to search, inclusive.")),
		mcp.WithString("highlight", mcp.Description("Passage selected by the reader, placed first in the context.")),
		mcp.WithNumber("tokenBudget", mcp.Min(1), mcp.Description("Upper bound on the estimated context size.")),
	)
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paperID, err := req.RequireString("paperId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if strings.TrimSpace(paperID) == "" || strings.TrimSpace(query) == "" {
		return mcp.NewToolResultError("paperId and query must not be blank"), nil
	}
	opts, err := searchOptions(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp, err := s.searcher.Search(ctx, paperID, query, opts)
	if err != nil {
		s.logger.Warn("mcp_search_failed", "paper_id", paperID, "error", err)
		if domain.IsKind(err, domain.ErrInvalidInput) {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultErrorFromErr("search failed", err), nil
	}

	highlight := req.GetString("highlight", "")
	chunks := resp.Chunks
	if budget := req.GetInt("tokenBudget", 0); budget > 0 {
		chunks = usecase.FitToTokenBudget(chunks, budget, highlight)
	}
	text := usecase.BuildContext(chunks, highlight)
	result := SearchResult{
		PaperID:         paperID,
		Method:          resp.Method,
		SearchTime:      resp.SearchTime,
		Chunks:          resp.Chunks,
		Context:         text,
		ChunkMap:        usecase.ParseChunkMetadata(text),
		EstimatedTokens: usecase.EstimateTokens(text),
	}
	return mcp.NewToolResultStructured(result, text), nil
}

// searchOptions maps tool arguments onto SearchOptions. Absent arguments stay
// nil so server defaults apply.
func searchOptions(req mcp.CallToolRequest) (domain.SearchOptions, error) {
	args := req.GetArguments()
	var opts domain.SearchOptions
	if _, ok := args["topK"]; ok {
		v := req.GetInt("topK", 0)
		opts.TopK = &v
	}
	for key, dst := range map[string]**bool{
		"useHybrid":    &opts.UseHybrid,
		"useMmr":       &opts.UseMMR,
		"useReranking": &opts.UseReranking,
	} {
		if _, ok := args[key]; ok {
			v := req.GetBool(key, false)
			*dst = &v
		}
	}
	if _, ok := args["mmrLambda"]; ok {
		v := req.GetFloat("mmrLambda", 0)
		opts.MMRLambda = &v
	}

	_, hasStart := args["pageStart"]
	_, hasEnd := args["pageEnd"]
	switch {
	case hasStart && hasEnd:
		opts.PageRange = &domain.PageRange{Start: req.GetInt("pageStart", 0), End: req.GetInt("pageEnd", 0)}
	case hasStart || hasEnd:
		return opts, errors.New("pageStart and pageEnd must be given together")
	}
	return opts, nil
}
