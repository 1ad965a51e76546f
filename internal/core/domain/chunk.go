package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DocumentFormat tells whether a paper is split into pages or sections.
type DocumentFormat string

const (
	FormatPDF  DocumentFormat = "pdf"
	FormatHTML DocumentFormat = "html"
)

const (
	pageKeyPrefix    = "page:"
	sectionKeyPrefix = "section:"
)

// Location is the structural unit a chunk belongs to: a page for pdf papers,
// a section for html papers.
type Location struct {
	Format    DocumentFormat `json:"format,omitempty"`
	Page      int            `json:"pageNumber,omitempty"`
	SectionID string         `json:"sectionId,omitempty"`
}

// PositionLess reports whether a span at (a, aStart) comes before one at
// (b, bStart) in the paper.
func PositionLess(a Location, aStart int, b Location, bStart int) bool {
	if a.Page != b.Page {
		return a.Page < b.Page
	}
	if a.SectionID != b.SectionID {
		return a.SectionID < b.SectionID
	}
	return aStart < bStart
}

func PageLocation(page int) Location {
	return Location{Format: FormatPDF, Page: page}
}

func SectionLocation(sectionID string) Location {
	return Location{Format: FormatHTML, SectionID: sectionID}
}

func (l Location) IsSection() bool {
	return l.Format == FormatHTML || l.SectionID != ""
}

func (l Location) HasPage() bool {
	return !l.IsSection() && l.Page > 0
}

// Key renders the location as "page:<n>" or "section:<id>".
func (l Location) Key() string {
	if l.IsSection() {
		return sectionKeyPrefix + l.SectionID
	}
	return pageKeyPrefix + strconv.Itoa(l.Page)
}

func ParseLocationKey(key string) (Location, error) {
	switch {
	case strings.HasPrefix(key, sectionKeyPrefix):
		return SectionLocation(strings.TrimPrefix(key, sectionKeyPrefix)), nil
	case strings.HasPrefix(key, pageKeyPrefix):
		page, err := strconv.Atoi(strings.TrimPrefix(key, pageKeyPrefix))
		if err != nil {
			return Location{}, fmt.Errorf("parse page number %q: %w", key, err)
		}
		return PageLocation(page), nil
	default:
		return Location{}, fmt.Errorf("unknown location key %q", key)
	}
}

// Chunk is the atomic retrievable unit of a paper.
type Chunk struct {
	ID             string     `json:"id"`
	DocumentID     string     `json:"paperId"`
	Location       Location   `json:"location"`
	Start          int        `json:"startOffset"`
	End            int        `json:"endOffset"`
	Content        string     `json:"content"`
	Embedding      []float32  `json:"embedding,omitempty"`
	EmbeddingModel string     `json:"embeddingModel,omitempty"`
	EmbeddedAt     *time.Time `json:"embeddedAt,omitempty"`
}

func (c Chunk) Embedded() bool {
	return len(c.Embedding) > 0
}

func (c Chunk) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return WrapError(ErrInvalidInput, "validate chunk", errors.New("chunk id is required"))
	}
	if c.Start >= c.End {
		return WrapError(ErrInvalidInput, "validate chunk", fmt.Errorf("chunk %s: start %d must be before end %d", c.ID, c.Start, c.End))
	}
	if c.Location.SectionID != "" && c.Location.Page > 0 {
		return WrapError(ErrInvalidInput, "validate chunk", fmt.Errorf("chunk %s: page and section are exclusive", c.ID))
	}
	return nil
}

// ContextChunk is the retrieval-time projection of a Chunk. Score semantics
// depend on the method that produced it; Diversity is only set by MMR.
type ContextChunk struct {
	ChunkID string `json:"chunkId"`
	Content string `json:"content"`
	Location
	Start     int     `json:"startOffset"`
	End       int     `json:"endOffset"`
	Score     float64 `json:"score"`
	Diversity float64 `json:"diversity,omitempty"`
}

// ChunkLocation is what a context marker encodes for one chunk.
type ChunkLocation struct {
	Location Location `json:"location"`
	Start    int      `json:"startOffset"`
	End      int      `json:"endOffset"`
}

// IndexRow is a scored row returned by a chunk index query.
type IndexRow struct {
	ChunkID     string
	Location    Location
	Start       int
	End         int
	Content     string
	Score       float64
	VectorScore float64
	TextScore   float64
	Diversity   float64
}

func (r IndexRow) ContextChunk() ContextChunk {
	return ContextChunk{
		ChunkID:   r.ChunkID,
		Content:   r.Content,
		Location:  r.Location,
		Start:     r.Start,
		End:       r.End,
		Score:     r.Score,
		Diversity: r.Diversity,
	}
}

// EmbeddingResult is the outcome for one input of a batched embedding call.
type EmbeddingResult struct {
	Vector []float32
	Err    error
}

func (r EmbeddingResult) OK() bool {
	return r.Err == nil && len(r.Vector) > 0
}

type ChunkEmbedding struct {
	ChunkID    string
	Vector     []float32
	Model      string
	EmbeddedAt time.Time
}

// IndexReport summarizes one embedding job run for a paper.
type IndexReport struct {
	DocumentID string        `json:"paperId"`
	Embedded   int           `json:"embedded"`
	Failed     int           `json:"failed"`
	Skipped    bool          `json:"skipped"`
	Duration   time.Duration `json:"duration"`
}
