package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
)

func TestMiddlewareCountsRequestsByNormalizedPath(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	handler := m.Middleware("api", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/papers/p-42/embeddings", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	got := testutil.ToFloat64(m.requestTotal.WithLabelValues("api", http.MethodPost, "/v1/papers/{paperId}/embeddings", "202"))
	if got != 1 {
		t.Fatalf("requests_total = %v, want 1", got)
	}
	if v := testutil.ToFloat64(m.requestInFlight); v != 0 {
		t.Fatalf("in flight gauge = %v, want 0", v)
	}
}

func TestRecordSearchCountsEmptyResults(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	m.RecordSearch("api", "search", "mmr", true, 8, 120*time.Millisecond)
	m.RecordSearch("api", "search", "vector", false, 0, 10*time.Millisecond)

	if got := testutil.ToFloat64(m.searchTotal.WithLabelValues("api", "search", "mmr", "true")); got != 1 {
		t.Fatalf("mmr searches = %v", got)
	}
	if got := testutil.ToFloat64(m.searchEmptyTotal.WithLabelValues("api", "search")); got != 1 {
		t.Fatalf("empty searches = %v", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	m.RecordContextTokens("api", "context", 300)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "reviewxiv_context_estimated_tokens") {
		t.Fatalf("metrics output misses context histogram")
	}
}

func TestWorkerFinishJobStatuses(t *testing.T) {
	m := NewWorkerMetrics("worker")

	m.StartJob()
	m.FinishJob("worker", &domain.IndexReport{Embedded: 3, Failed: 1}, time.Second, nil)
	m.StartJob()
	m.FinishJob("worker", &domain.IndexReport{Skipped: true}, time.Millisecond, nil)
	m.StartJob()
	m.FinishJob("worker", nil, time.Millisecond, errors.New("boom"))

	for status, want := range map[string]float64{"success": 1, "skipped": 1, "error": 1} {
		if got := testutil.ToFloat64(m.jobTotal.WithLabelValues("worker", status)); got != want {
			t.Fatalf("jobs[%s] = %v, want %v", status, got, want)
		}
	}
	if got := testutil.ToFloat64(m.chunksTotal.WithLabelValues("worker", "embedded")); got != 3 {
		t.Fatalf("embedded chunks = %v", got)
	}
	if got := testutil.ToFloat64(m.jobInFlight); got != 0 {
		t.Fatalf("in flight = %v", got)
	}
}

func TestResilienceMetricsObserver(t *testing.T) {
	m := NewWorkerMetrics("worker")
	r := NewResilienceMetrics("worker", m.Registerer())

	r.ObserveRetry("openai.chat")
	r.ObserveRetry("openai.chat")
	r.ObserveBreakerState("openai.embeddings", "open")

	if got := testutil.ToFloat64(r.retriesTotal.WithLabelValues("worker", "openai.chat")); got != 2 {
		t.Fatalf("retries = %v", got)
	}
	if got := testutil.ToFloat64(r.breakerState.WithLabelValues("worker", "openai.embeddings")); got != 2 {
		t.Fatalf("breaker state = %v", got)
	}
	r.ObserveBreakerState("openai.embeddings", "closed")
	if got := testutil.ToFloat64(r.breakerState.WithLabelValues("worker", "openai.embeddings")); got != 0 {
		t.Fatalf("breaker state after close = %v", got)
	}
}
