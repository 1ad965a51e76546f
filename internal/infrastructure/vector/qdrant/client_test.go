package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
)

func embeddedChunk(id string, page int, vec []float32) domain.Chunk {
	return domain.Chunk{
		ID:         id,
		DocumentID: "paper-1",
		Location:   domain.PageLocation(page),
		Start:      0,
		End:        10,
		Content:    "attention is all you need",
		Embedding:  vec,
	}
}

func TestIndexChunksEnsuresCollectionOncePerVectorSize(t *testing.T) {
	var ensureCalls int32
	var mu sync.Mutex
	var pointIDs []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/collections/papers":
			atomic.AddInt32(&ensureCalls, 1)
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if _, ok := body["sparse_vectors"]; !ok {
				t.Errorf("expected sparse vector config, got %v", body)
			}
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/papers/index":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/papers/points":
			var body struct {
				Points []point `json:"points"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			mu.Lock()
			for _, p := range body.Points {
				pointIDs = append(pointIDs, p.ID)
			}
			mu.Unlock()
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := New(server.URL, "papers")
	chunks := []domain.Chunk{embeddedChunk("c1", 1, []float32{0.1, 0.2}), {ID: "pending", DocumentID: "paper-1", Start: 0, End: 3}}

	if err := client.IndexChunks(context.Background(), chunks); err != nil {
		t.Fatalf("first IndexChunks() error = %v", err)
	}
	if err := client.IndexChunks(context.Background(), chunks); err != nil {
		t.Fatalf("second IndexChunks() error = %v", err)
	}
	if got := atomic.LoadInt32(&ensureCalls); got != 1 {
		t.Fatalf("expected ensure collection called once, got %d", got)
	}
	if len(pointIDs) != 2 || pointIDs[0] != pointIDs[1] {
		t.Fatalf("expected the same deterministic point id twice, got %v", pointIDs)
	}
}

func TestEnsureCollectionIncludesResponseBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Path == "/collections/papers" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := New(server.URL, "papers")
	err := client.IndexChunks(context.Background(), []domain.Chunk{embeddedChunk("c1", 1, []float32{0.1, 0.2})})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected error to include body, got %v", err)
	}
}

type fakeQdrant struct {
	dense  string
	sparse string
	mu     sync.Mutex
	bodies []map[string]any
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/collections/papers/points/query" {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()
	if body["using"] == sparseVectorName {
		_, _ = w.Write([]byte(f.sparse))
		return
	}
	_, _ = w.Write([]byte(f.dense))
}

const payloadA = `{"chunk_id":"A","paper_id":"paper-1","format":"pdf","page_number":1,"start":0,"end":40,"content":"a"}`
const payloadB = `{"chunk_id":"B","paper_id":"paper-1","format":"pdf","page_number":2,"start":5,"end":60,"content":"b"}`
const payloadC = `{"chunk_id":"C","paper_id":"paper-1","format":"html","section_id":"intro","start":0,"end":9,"content":"c"}`

func TestQueryVectorBreaksTiesByDocumentOrder(t *testing.T) {
	fake := &fakeQdrant{dense: `{"result":{"points":[
		{"id":"2","score":0.8,"payload":` + payloadB + `},
		{"id":"1","score":0.8,"payload":` + payloadA + `}]}}`}
	server := httptest.NewServer(fake)
	defer server.Close()

	rows, err := New(server.URL, "papers").QueryVector(context.Background(), "paper-1", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("QueryVector() error = %v", err)
	}
	if len(rows) != 2 || rows[0].ChunkID != "A" || rows[1].ChunkID != "B" {
		t.Fatalf("expected [A B] on equal scores, got %+v", rows)
	}
}

func TestQueryVectorMapsPayloadAndFiltersByPaper(t *testing.T) {
	fake := &fakeQdrant{dense: `{"result":{"points":[{"id":"1","score":0.91,"payload":` + payloadA + `}]}}`}
	server := httptest.NewServer(fake)
	defer server.Close()

	rows, err := New(server.URL, "papers").QueryVector(context.Background(), "paper-1", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("QueryVector() error = %v", err)
	}
	if len(rows) != 1 || rows[0].ChunkID != "A" || rows[0].Location.Page != 1 || rows[0].End != 40 || rows[0].Score != 0.91 {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	filter, _ := json.Marshal(fake.bodies[0]["filter"])
	if !strings.Contains(string(filter), `"paper-1"`) {
		t.Fatalf("expected paper filter, got %s", filter)
	}
}

func TestQueryHybridFusesDenseAndSparseLegs(t *testing.T) {
	fake := &fakeQdrant{
		dense: `{"result":{"points":[
			{"id":"a","score":0.9,"payload":` + payloadA + `},
			{"id":"b","score":0.5,"payload":` + payloadB + `}]}}`,
		sparse: `{"result":{"points":[
			{"id":"b","score":4.0,"payload":` + payloadB + `,"vector":{"dense":[0,1]}},
			{"id":"c","score":2.0,"payload":` + payloadC + `,"vector":{"dense":[1,0]}}]}}`,
	}
	server := httptest.NewServer(fake)
	defer server.Close()

	rows, err := New(server.URL, "papers").QueryHybrid(context.Background(), "paper-1", []float32{1, 0}, "attention heads", 3, domain.DefaultHybridWeights())
	if err != nil {
		t.Fatalf("QueryHybrid() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	// C: 0.7*1 + 0.3*0.5 = 0.85, B: 0.7*0.5 + 0.3*1 = 0.65, A: 0.7*0.9 = 0.63
	if rows[0].ChunkID != "C" || rows[1].ChunkID != "B" || rows[2].ChunkID != "A" {
		t.Fatalf("unexpected order: %s %s %s", rows[0].ChunkID, rows[1].ChunkID, rows[2].ChunkID)
	}
	if rows[0].Location.SectionID != "intro" {
		t.Fatalf("expected section location, got %+v", rows[0].Location)
	}
	if len(fake.bodies) != 2 || fake.bodies[0]["limit"].(float64) != 9 {
		t.Fatalf("expected two legs with a window of 9, got %v", fake.bodies)
	}
}

func TestQueryMMRSelectsDiverseHits(t *testing.T) {
	fake := &fakeQdrant{dense: `{"result":{"points":[
		{"id":"a","score":0.9,"payload":` + payloadA + `,"vector":{"dense":[1,0]}},
		{"id":"b","score":0.89,"payload":` + payloadB + `,"vector":{"dense":[1,0]}},
		{"id":"c","score":0.7,"payload":` + payloadC + `,"vector":{"dense":[0,1]}}]}}`}
	server := httptest.NewServer(fake)
	defer server.Close()

	rows, err := New(server.URL, "papers").QueryMMR(context.Background(), "paper-1", []float32{1, 0}, 2, 0.7, 50)
	if err != nil {
		t.Fatalf("QueryMMR() error = %v", err)
	}
	if len(rows) != 2 || rows[0].ChunkID != "A" || rows[1].ChunkID != "C" {
		t.Fatalf("unexpected mmr rows: %+v", rows)
	}
	if rows[1].Diversity != 1 {
		t.Fatalf("expected full diversity for orthogonal pick, got %f", rows[1].Diversity)
	}
	if fake.bodies[0]["limit"].(float64) != 50 || fake.bodies[0]["with_vector"] == nil {
		t.Fatalf("expected pool query with vectors, got %v", fake.bodies[0])
	}
}

func TestQueryMissingCollectionIsEmpty(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	rows, err := New(server.URL, "papers").QueryVector(context.Background(), "paper-1", []float32{1}, 5)
	if err != nil {
		t.Fatalf("QueryVector() error = %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %+v", rows)
	}
}

func TestQueryServerErrorIsReturned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "shard unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := New(server.URL, "papers").QueryMMR(context.Background(), "paper-1", []float32{1}, 5, 0.5, 10)
	if err == nil || !strings.Contains(err.Error(), "shard unavailable") {
		t.Fatalf("expected status error with body, got %v", err)
	}
}
