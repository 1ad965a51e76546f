// Package chunking turns plain text into page-located chunks for local
// development. Pages are separated by form feeds, as emitted by pdftotext.
package chunking

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
)

const pageSeparator = "\f"

type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 900
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{
		ChunkSize: chunkSize,
		Overlap:   overlap,
	}
}

// ReadPages reads UTF-8 text and splits it into pages.
func ReadPages(r io.Reader) ([]string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	if !utf8.Valid(raw) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read text", errors.New("input is not valid utf-8"))
	}
	return strings.Split(string(raw), pageSeparator), nil
}

// SplitPages chunks every page into overlapping rune windows. Offsets are
// rune offsets into the page text, trimmed of surrounding whitespace; pages
// are numbered from 1.
func (s *Splitter) SplitPages(documentID string, pages []string) []domain.Chunk {
	out := make([]domain.Chunk, 0, len(pages))
	for i, page := range pages {
		pageNumber := i + 1
		for n, span := range s.spans([]rune(page)) {
			out = append(out, domain.Chunk{
				ID:         fmt.Sprintf("%s-p%03d-c%03d", documentID, pageNumber, n),
				DocumentID: documentID,
				Location:   domain.PageLocation(pageNumber),
				Start:      span.start,
				End:        span.end,
				Content:    span.text,
			})
		}
	}
	return out
}

type span struct {
	start, end int
	text       string
}

func (s *Splitter) spans(runes []rune) []span {
	if len(runes) == 0 {
		return nil
	}

	step := s.ChunkSize - s.Overlap
	if step <= 0 {
		step = s.ChunkSize
	}

	out := make([]span, 0, len(runes)/step+1)
	for start := 0; start < len(runes); start += step {
		end := start + s.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		lo, hi := start, end
		for lo < hi && unicode.IsSpace(runes[lo]) {
			lo++
		}
		for hi > lo && unicode.IsSpace(runes[hi-1]) {
			hi--
		}
		if lo < hi {
			out = append(out, span{start: lo, end: hi, text: string(runes[lo:hi])})
		}
		if end == len(runes) {
			break
		}
	}
	return out
}
