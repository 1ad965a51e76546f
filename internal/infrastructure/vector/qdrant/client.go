// Package qdrant stores paper chunks in a Qdrant collection with a dense
// and a sparse (lexical) named vector, and answers vector, hybrid and MMR
// queries scoped to one paper.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
)

const (
	denseVectorName  = "dense"
	sparseVectorName = "lexical"
)

var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("reviewxiv/paper-chunks"))

type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

func New(baseURL, collection string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type pointVectors struct {
	Dense   []float32    `json:"dense"`
	Lexical sparseVector `json:"lexical"`
}

type point struct {
	ID      string         `json:"id"`
	Vector  pointVectors   `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// pointID derives a stable point id from the chunk id so re-indexing a
// chunk overwrites it.
func pointID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

// IndexChunks upserts embedded chunks. Chunks without a vector are skipped.
func (c *Client) IndexChunks(ctx context.Context, chunks []domain.Chunk) error {
	points := make([]point, 0, len(chunks))
	vectorSize := 0
	for _, chunk := range chunks {
		if !chunk.Embedded() {
			continue
		}
		if vectorSize == 0 {
			vectorSize = len(chunk.Embedding)
		}
		if len(chunk.Embedding) != vectorSize {
			return fmt.Errorf("chunk %s: vector size %d differs from %d", chunk.ID, len(chunk.Embedding), vectorSize)
		}
		points = append(points, point{
			ID: pointID(chunk.ID),
			Vector: pointVectors{
				Dense:   chunk.Embedding,
				Lexical: encodeSparseDocument(chunk.Content),
			},
			Payload: chunkPayload(chunk),
		})
	}
	if len(points) == 0 {
		return nil
	}

	if err := c.ensureCollection(ctx, vectorSize); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.baseURL, c.collection)
	if err := c.doJSON(ctx, http.MethodPut, url, map[string]any{"points": points}, nil, "upsert"); err != nil {
		return err
	}
	return nil
}

func chunkPayload(chunk domain.Chunk) map[string]any {
	payload := map[string]any{
		"paper_id": chunk.DocumentID,
		"chunk_id": chunk.ID,
		"format":   string(chunk.Location.Format),
		"start":    chunk.Start,
		"end":      chunk.End,
		"content":  chunk.Content,
	}
	if chunk.Location.Page > 0 {
		payload["page_number"] = chunk.Location.Page
	}
	if chunk.Location.SectionID != "" {
		payload["section_id"] = chunk.Location.SectionID
	}
	return payload
}

func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			denseVectorName: map[string]any{
				"size":     vectorSize,
				"distance": "Cosine",
			},
		},
		"sparse_vectors": map[string]any{
			sparseVectorName: map[string]any{"modifier": "idf"},
		},
	}

	url := fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection)
	err := c.doJSON(ctx, http.MethodPut, url, reqBody, nil, "ensure collection")
	if err != nil && !isConflict(err) {
		return err
	}
	if err := c.ensurePayloadIndex(ctx); err != nil {
		return err
	}
	c.markCollectionEnsured(vectorSize)
	return nil
}

func (c *Client) ensurePayloadIndex(ctx context.Context) error {
	url := fmt.Sprintf("%s/collections/%s/index?wait=true", c.baseURL, c.collection)
	body := map[string]any{"field_name": "paper_id", "field_schema": "keyword"}
	if err := c.doJSON(ctx, http.MethodPut, url, body, nil, "ensure payload index"); err != nil && !isConflict(err) {
		return err
	}
	return nil
}

func (c *Client) markCollectionEnsured(vectorSize int) {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
}

type statusError struct {
	operation string
	code      int
	status    string
	body      string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("qdrant %s status: %s", e.operation, e.status)
	}
	return fmt.Sprintf("qdrant %s status: %s: %s", e.operation, e.status, e.body)
}

func isConflict(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusConflict
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

func (c *Client) doJSON(ctx context.Context, method, url string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", operation, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &statusError{
			operation: operation,
			code:      resp.StatusCode,
			status:    resp.Status,
			body:      strings.TrimSpace(string(excerpt)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getIntPayload(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}
