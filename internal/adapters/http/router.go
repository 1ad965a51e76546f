package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BinkyTwin/reviewxiv/internal/config"
	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
	"github.com/BinkyTwin/reviewxiv/internal/core/ports"
	"github.com/BinkyTwin/reviewxiv/internal/core/usecase"
	"github.com/BinkyTwin/reviewxiv/internal/observability/metrics"
)

const (
	serviceName     = "api"
	maxRequestBytes = 1 << 20
)

type Router struct {
	cfg       config.Config
	searcher  ports.PaperSearcher
	requester ports.EmbeddingRequester
	metrics   *metrics.HTTPServerMetrics
	mcp       http.Handler
	logger    *slog.Logger
}

type Option func(*Router)

func WithMetrics(m *metrics.HTTPServerMetrics) Option {
	return func(rt *Router) { rt.metrics = m }
}

// WithMCPHandler mounts an MCP transport at /mcp.
func WithMCPHandler(h http.Handler) Option {
	return func(rt *Router) { rt.mcp = h }
}

func WithLogger(logger *slog.Logger) Option {
	return func(rt *Router) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

// NewRouter wires the HTTP surface. requester may be nil when no job queue is
// configured; the embeddings endpoint then answers 503.
func NewRouter(cfg config.Config, searcher ports.PaperSearcher, requester ports.EmbeddingRequester, opts ...Option) *Router {
	rt := &Router{
		cfg:       cfg,
		searcher:  searcher,
		requester: requester,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/search", rt.search)
	mux.HandleFunc("POST /v1/context", rt.buildContext)
	mux.HandleFunc("POST /v1/papers/{paperId}/embeddings", rt.requestEmbeddings)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}
	if rt.mcp != nil {
		mux.Handle("/mcp", rt.mcp)
	}

	var handler http.Handler = mux
	handler = validationMiddleware(handler, mustLoadRequestValidator())
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, 50*time.Millisecond)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	handler = accessLogMiddleware(handler, rt.logger)
	handler = requestIDMiddleware(handler)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	return handler
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type searchRequest struct {
	PaperID string               `json:"paperId"`
	Query   string               `json:"query"`
	Options domain.SearchOptions `json:"options"`
}

func (rt *Router) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.PaperID) == "" || strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "paperId and query are required"})
		return
	}

	resp, err := rt.searcher.Search(r.Context(), req.PaperID, req.Query, req.Options)
	if err != nil {
		rt.logger.Warn("search_failed",
			"request_id", requestIDFromContext(r.Context()),
			"paper_id", req.PaperID,
			"error", err,
		)
		writeError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordSearch(serviceName, "search", string(resp.Method), resp.Reranked, len(resp.Chunks), time.Duration(resp.SearchTime)*time.Millisecond)
	}
	writeJSON(w, http.StatusOK, resp)
}

type contextRequest struct {
	Chunks           []domain.ContextChunk `json:"chunks"`
	HighlightContext string                `json:"highlightContext"`
	TokenBudget      int                   `json:"tokenBudget"`
}

type contextResponse struct {
	Context         string                          `json:"context"`
	ChunkMap        map[string]domain.ChunkLocation `json:"chunkMap"`
	EstimatedTokens int                             `json:"estimatedTokens"`
	IncludedChunks  int                             `json:"includedChunks"`
}

func (rt *Router) buildContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	chunks := req.Chunks
	if req.TokenBudget > 0 {
		chunks = usecase.FitToTokenBudget(chunks, req.TokenBudget, req.HighlightContext)
	}
	text := usecase.BuildContext(chunks, req.HighlightContext)
	resp := contextResponse{
		Context:         text,
		ChunkMap:        usecase.ParseChunkMetadata(text),
		EstimatedTokens: usecase.EstimateTokens(text),
		IncludedChunks:  len(chunks),
	}
	if rt.metrics != nil {
		rt.metrics.RecordContextTokens(serviceName, "context", resp.EstimatedTokens)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) requestEmbeddings(w http.ResponseWriter, r *http.Request) {
	paperID := strings.TrimSpace(r.PathValue("paperId"))
	if paperID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "paper id is required"})
		return
	}
	if rt.requester == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "embedding queue is not configured"})
		return
	}
	if err := rt.requester.RequestEmbedding(r.Context(), paperID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"paperId": paperID, "status": "queued"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "decode request", errors.New("invalid json"))
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	status, code := mapError(err)
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
