package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/BinkyTwin/reviewxiv/internal/config"
	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
	"github.com/BinkyTwin/reviewxiv/internal/observability/metrics"
)

type searcherFake struct {
	mu    sync.Mutex
	resp  *domain.SearchResponse
	err   error
	calls []searchCall
}

type searchCall struct {
	paperID string
	query   string
	opts    domain.SearchOptions
}

func (f *searcherFake) Search(_ context.Context, documentID, query string, opts domain.SearchOptions) (*domain.SearchResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, searchCall{paperID: documentID, query: query, opts: opts})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

type requesterFake struct {
	err error
	ids []string
}

func (f *requesterFake) RequestEmbedding(_ context.Context, documentID string) error {
	f.ids = append(f.ids, documentID)
	return f.err
}

func sampleResponse() *domain.SearchResponse {
	return &domain.SearchResponse{
		Chunks: []domain.ContextChunk{
			{ChunkID: "c1", Content: "attention", Location: domain.PageLocation(2), Start: 0, End: 9, Score: 0.9, Diversity: 1},
		},
		SearchTime: 42,
		Method:     domain.MethodMMR,
		Reranked:   true,
	}
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestSearchReturnsChunksAndRecordsMetrics(t *testing.T) {
	searcher := &searcherFake{resp: sampleResponse()}
	m := metrics.NewHTTPServerMetrics(serviceName)
	handler := NewRouter(config.Config{}, searcher, nil, WithMetrics(m)).Handler()

	res := postJSON(t, handler, "/v1/search", map[string]any{
		"paperId": "paper-1",
		"query":   "what is attention",
		"options": map[string]any{"topK": 3, "useReranking": false, "pageRange": map[string]int{"start": 1, "end": 4}},
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	body := decodeBody(t, res)
	if body["method"] != "mmr" || body["searchTime"].(float64) != 42 {
		t.Fatalf("unexpected body: %v", body)
	}
	chunk := body["chunks"].([]any)[0].(map[string]any)
	if chunk["chunkId"] != "c1" || chunk["pageNumber"].(float64) != 2 || chunk["format"] != "pdf" {
		t.Fatalf("unexpected chunk: %v", chunk)
	}
	if _, leaked := body["Reranked"]; leaked {
		t.Fatalf("internal field leaked into response")
	}

	if len(searcher.calls) != 1 {
		t.Fatalf("expected one search call, got %d", len(searcher.calls))
	}
	opts := searcher.calls[0].opts
	if opts.TopK == nil || *opts.TopK != 3 || opts.UseReranking == nil || *opts.UseReranking {
		t.Fatalf("options not forwarded: %+v", opts)
	}
	if opts.PageRange == nil || opts.PageRange.End != 4 {
		t.Fatalf("page range not forwarded: %+v", opts.PageRange)
	}

	scrape := httptest.NewRecorder()
	handler.ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(scrape.Body.String(), `reviewxiv_search_requests_total{endpoint="search",method="mmr",reranked="true",service="api"} 1`) {
		t.Fatalf("search metric missing:\n%s", scrape.Body.String())
	}
}

func TestSearchValidationRejectsBadOptions(t *testing.T) {
	cases := map[string]map[string]any{
		"missing query":   {"paperId": "paper-1"},
		"zero topK":       {"paperId": "paper-1", "query": "q", "options": map[string]any{"topK": 0}},
		"lambda too high": {"paperId": "paper-1", "query": "q", "options": map[string]any{"mmrLambda": 1.5}},
		"fractional topK": {"paperId": "paper-1", "query": "q", "options": map[string]any{"topK": 2.5}},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			searcher := &searcherFake{resp: sampleResponse()}
			handler := NewRouter(config.Config{}, searcher, nil).Handler()

			res := postJSON(t, handler, "/v1/search", payload)
			if res.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", res.Code, res.Body.String())
			}
			if len(searcher.calls) != 0 {
				t.Fatalf("searcher must not be called for invalid requests")
			}
		})
	}
}

func TestSearchMapsDomainErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"invalid input", domain.WrapError(domain.ErrInvalidInput, "search", errors.New("bad")), http.StatusBadRequest, "invalid_input"},
		{"not found", domain.WrapError(domain.ErrDocumentNotFound, "search", errors.New("missing")), http.StatusNotFound, "not_found"},
		{"temporary provider", domain.WrapError(domain.ErrTemporary, "embed", domain.WrapError(domain.ErrProvider, "embed", errors.New("503"))), http.StatusServiceUnavailable, "temporarily_unavailable"},
		{"provider", domain.WrapError(domain.ErrProvider, "embed", errors.New("400")), http.StatusBadGateway, "provider_error"},
		{"config", domain.WrapError(domain.ErrConfig, "embed", errors.New("missing key")), http.StatusInternalServerError, "misconfigured"},
		{"retrieval", domain.NewRetrievalError(domain.MethodHybrid, errors.New("db down")), http.StatusInternalServerError, "retrieval_failed"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewRouter(config.Config{}, &searcherFake{err: tc.err}, nil).Handler()
			res := postJSON(t, handler, "/v1/search", map[string]any{"paperId": "p", "query": "q"})
			if res.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, res.Code)
			}
			body := decodeBody(t, res)
			if body["error"] == "" {
				t.Fatalf("expected error message")
			}
			if body["code"] != tc.code {
				t.Fatalf("expected code %q, got %v", tc.code, body["code"])
			}
		})
	}
}

func TestContextEndpointAssemblesMarkers(t *testing.T) {
	handler := NewRouter(config.Config{}, &searcherFake{}, nil).Handler()

	res := postJSON(t, handler, "/v1/context", map[string]any{
		"highlightContext": "selected words",
		"chunks": []map[string]any{
			{"chunkId": "b", "content": "second", "format": "pdf", "pageNumber": 3, "startOffset": 10, "endOffset": 16},
			{"chunkId": "a", "content": "first", "format": "pdf", "pageNumber": 1, "startOffset": 0, "endOffset": 5},
		},
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var body contextResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(body.Context, "## Selected passage\nselected words") {
		t.Fatalf("highlight should come first: %q", body.Context)
	}
	if strings.Index(body.Context, "## Page 1") > strings.Index(body.Context, "## Page 3") {
		t.Fatalf("pages out of order: %q", body.Context)
	}
	loc, ok := body.ChunkMap["b"]
	if !ok || loc.Location.Page != 3 || loc.Start != 10 || loc.End != 16 {
		t.Fatalf("unexpected chunk map: %+v", body.ChunkMap)
	}
	if body.EstimatedTokens <= 0 || body.IncludedChunks != 2 {
		t.Fatalf("unexpected counters: %+v", body)
	}
}

func TestContextEndpointHonorsTokenBudget(t *testing.T) {
	handler := NewRouter(config.Config{}, &searcherFake{}, nil).Handler()

	res := postJSON(t, handler, "/v1/context", map[string]any{
		"tokenBudget": 30,
		"chunks": []map[string]any{
			{"chunkId": "a", "content": "short", "pageNumber": 1, "startOffset": 0, "endOffset": 5},
			{"chunkId": "b", "content": strings.Repeat("long text ", 40), "pageNumber": 2, "startOffset": 0, "endOffset": 400},
		},
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var body contextResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.IncludedChunks != 1 || body.EstimatedTokens > 30 {
		t.Fatalf("budget not applied: %+v", body)
	}
	if _, ok := body.ChunkMap["a"]; !ok {
		t.Fatalf("expected chunk a to be kept")
	}
}

func TestRequestEmbeddingsQueuesJob(t *testing.T) {
	requester := &requesterFake{}
	handler := NewRouter(config.Config{}, &searcherFake{}, requester).Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/papers/paper-7/embeddings", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.Code, res.Body.String())
	}
	if len(requester.ids) != 1 || requester.ids[0] != "paper-7" {
		t.Fatalf("unexpected requests: %v", requester.ids)
	}
}

func TestRequestEmbeddingsWithoutQueueIsUnavailable(t *testing.T) {
	handler := NewRouter(config.Config{}, &searcherFake{}, nil).Handler()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/papers/paper-7/embeddings", nil))
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}

func TestRequestEmbeddingsMapsQueueErrors(t *testing.T) {
	requester := &requesterFake{err: domain.WrapError(domain.ErrTemporary, "nats publish", errors.New("no servers"))}
	handler := NewRouter(config.Config{}, &searcherFake{}, requester).Handler()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/papers/paper-7/embeddings", nil))
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.Code)
	}
}

func TestSearchRejectsWrongMethod(t *testing.T) {
	handler := NewRouter(config.Config{}, &searcherFake{}, nil).Handler()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/search", nil))
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	handler := NewRouter(config.Config{}, &searcherFake{}, nil).Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-123")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Header().Get(requestIDHeader) != "req-123" {
		t.Fatalf("expected request id to be echoed, got %q", res.Header().Get(requestIDHeader))
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if res.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestMCPHandlerIsMounted(t *testing.T) {
	called := false
	mcp := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	})
	handler := NewRouter(config.Config{}, &searcherFake{}, nil, WithMCPHandler(mcp)).Handler()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{}")))
	if !called || res.Code != http.StatusNoContent {
		t.Fatalf("expected MCP handler to serve /mcp, got %d", res.Code)
	}
}
