package qdrant

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
	"github.com/BinkyTwin/reviewxiv/internal/core/ranking"
)

// hybridWindow is how many hits each leg of a hybrid query fetches per
// requested result before fusion.
const hybridWindow = 3

type scoredPoint struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
	Vector  struct {
		Dense []float32 `json:"dense"`
	} `json:"vector"`
}

type queryResponse struct {
	Result struct {
		Points []scoredPoint `json:"points"`
	} `json:"result"`
}

func (c *Client) QueryVector(ctx context.Context, documentID string, vector []float32, limit int) ([]domain.IndexRow, error) {
	points, err := c.query(ctx, documentID, vector, denseVectorName, limit, false)
	if err != nil {
		return nil, err
	}
	rows := make([]domain.IndexRow, 0, len(points))
	for _, p := range points {
		row := rowFromPayload(p.Payload)
		row.Score = p.Score
		row.VectorScore = p.Score
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		return domain.PositionLess(rows[i].Location, rows[i].Start, rows[j].Location, rows[j].Start)
	})
	return rows, nil
}

// QueryHybrid runs a dense and a sparse query and fuses them. Sparse scores
// are scaled by their maximum; hits found only by the sparse leg get their
// vector score computed from the returned dense vector.
func (c *Client) QueryHybrid(ctx context.Context, documentID string, vector []float32, text string, limit int, weights domain.HybridWeights) ([]domain.IndexRow, error) {
	window := max(limit*hybridWindow, limit)
	dense, err := c.query(ctx, documentID, vector, denseVectorName, window, false)
	if err != nil {
		return nil, err
	}

	var lexical []scoredPoint
	if sparse := encodeSparseQuery(text); len(sparse.Indices) > 0 {
		lexical, err = c.query(ctx, documentID, sparse, sparseVectorName, window, true)
		if err != nil {
			return nil, err
		}
	}

	type fused struct {
		row   domain.IndexRow
		order int
	}
	byID := make(map[string]*fused, len(dense)+len(lexical))
	order := 0
	for _, p := range dense {
		row := rowFromPayload(p.Payload)
		row.VectorScore = p.Score
		byID[p.ID] = &fused{row: row, order: order}
		order++
	}

	rawText := make([]float64, len(lexical))
	for i, p := range lexical {
		rawText[i] = p.Score
	}
	textScores := ranking.NormalizeByMax(rawText)
	for i, p := range lexical {
		entry, ok := byID[p.ID]
		if !ok {
			row := rowFromPayload(p.Payload)
			row.VectorScore = ranking.Cosine(vector, p.Vector.Dense)
			entry = &fused{row: row, order: order}
			byID[p.ID] = entry
			order++
		}
		entry.row.TextScore = textScores[i]
	}

	merged := make([]*fused, 0, len(byID))
	for _, entry := range byID {
		entry.row.Score = ranking.FuseWeighted(entry.row.VectorScore, entry.row.TextScore, weights.Vector, weights.Text)
		merged = append(merged, entry)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].row.Score != merged[j].row.Score {
			return merged[i].row.Score > merged[j].row.Score
		}
		a, b := merged[i].row, merged[j].row
		switch {
		case domain.PositionLess(a.Location, a.Start, b.Location, b.Start):
			return true
		case domain.PositionLess(b.Location, b.Start, a.Location, a.Start):
			return false
		}
		return merged[i].order < merged[j].order
	})

	rows := make([]domain.IndexRow, 0, min(limit, len(merged)))
	for _, entry := range merged {
		if len(rows) == limit {
			break
		}
		rows = append(rows, entry.row)
	}
	return rows, nil
}

// QueryMMR pulls poolSize dense hits with their vectors and re-selects limit
// of them with maximal marginal relevance.
func (c *Client) QueryMMR(ctx context.Context, documentID string, vector []float32, limit int, lambda float64, poolSize int) ([]domain.IndexRow, error) {
	points, err := c.query(ctx, documentID, vector, denseVectorName, max(poolSize, limit), true)
	if err != nil {
		return nil, err
	}
	pool := make([]ranking.Candidate, len(points))
	for i, p := range points {
		pool[i] = ranking.Candidate{Relevance: p.Score, Vector: p.Vector.Dense}
	}
	picks := ranking.SelectMMR(pool, limit, lambda)
	rows := make([]domain.IndexRow, 0, len(picks))
	for _, pick := range picks {
		row := rowFromPayload(points[pick.Index].Payload)
		row.Score = pick.Relevance
		row.VectorScore = pick.Relevance
		row.Diversity = pick.Diversity
		rows = append(rows, row)
	}
	return rows, nil
}

func (c *Client) query(ctx context.Context, documentID string, query any, using string, limit int, withVector bool) ([]scoredPoint, error) {
	if limit <= 0 {
		return []scoredPoint{}, nil
	}
	reqBody := map[string]any{
		"query":        query,
		"using":        using,
		"limit":        limit,
		"with_payload": true,
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "paper_id", "match": map[string]any{"value": documentID}},
			},
		},
	}
	if withVector {
		reqBody["with_vector"] = []string{denseVectorName}
	}

	var resp queryResponse
	url := fmt.Sprintf("%s/collections/%s/points/query", c.baseURL, c.collection)
	if err := c.doJSON(ctx, http.MethodPost, url, reqBody, &resp, "query "+using); err != nil {
		if isNotFound(err) {
			// No collection yet means nothing has been embedded.
			return []scoredPoint{}, nil
		}
		return nil, err
	}
	return resp.Result.Points, nil
}

func rowFromPayload(payload map[string]any) domain.IndexRow {
	loc := domain.Location{
		Format:    domain.DocumentFormat(getStringPayload(payload, "format")),
		Page:      getIntPayload(payload, "page_number"),
		SectionID: getStringPayload(payload, "section_id"),
	}
	return domain.IndexRow{
		ChunkID:  getStringPayload(payload, "chunk_id"),
		Location: loc,
		Start:    getIntPayload(payload, "start"),
		End:      getIntPayload(payload, "end"),
		Content:  getStringPayload(payload, "content"),
	}
}
