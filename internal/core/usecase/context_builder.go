package usecase

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
)

const (
	highlightHeader = "## Selected passage"
	charsPerToken   = 4
)

// markerEscaper keeps passage text from forging chunk markers.
var markerEscaper = strings.NewReplacer("<<chunk", "< <chunk")

var chunkMarkerPattern = regexp.MustCompile(`<<chunk id=("(?:[^"\\]|\\.)*") unit=("(?:[^"\\]|\\.)*") start=(-?\d+) end=(-?\d+)>>`)

// BuildContext renders chunks as one prompt-ready text. The highlight, when
// present, comes first. Chunks are deduplicated by id, grouped by section
// (if any chunk has one) or by page, and laid out in source order. Every
// chunk is preceded by a marker that ParseChunkMetadata can read back.
func BuildContext(chunks []domain.ContextChunk, highlight string) string {
	var b strings.Builder
	if h := strings.TrimSpace(highlight); h != "" {
		b.WriteString(highlightHeader)
		b.WriteString("\n")
		b.WriteString(markerEscaper.Replace(h))
		b.WriteString("\n\n")
	}

	unique := dedupeChunks(chunks)
	if len(unique) == 0 {
		return strings.TrimRight(b.String(), "\n")
	}

	bySection := false
	for _, chunk := range unique {
		if chunk.SectionID != "" {
			bySection = true
			break
		}
	}

	groups := make(map[string][]domain.ContextChunk)
	for _, chunk := range unique {
		key := groupKey(chunk, bySection)
		groups[key] = append(groups[key], chunk)
	}
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return lessGroupKey(keys[i], keys[j], bySection)
	})

	for _, key := range keys {
		members := groups[key]
		sort.SliceStable(members, func(i, j int) bool {
			if members[i].Start != members[j].Start {
				return members[i].Start < members[j].Start
			}
			if members[i].End != members[j].End {
				return members[i].End < members[j].End
			}
			return members[i].ChunkID < members[j].ChunkID
		})

		b.WriteString(groupHeader(key, bySection))
		b.WriteString("\n")
		for _, chunk := range members {
			b.WriteString(chunkMarker(chunk, bySection))
			b.WriteString("\n")
			b.WriteString(markerEscaper.Replace(strings.TrimSpace(chunk.Content)))
			b.WriteString("\n\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ParseChunkMetadata rebuilds the chunk id -> location map from a context
// produced by BuildContext. The first marker for an id wins.
func ParseChunkMetadata(context string) map[string]domain.ChunkLocation {
	out := make(map[string]domain.ChunkLocation)
	for _, m := range chunkMarkerPattern.FindAllStringSubmatch(context, -1) {
		id, err := strconv.Unquote(m[1])
		if err != nil {
			continue
		}
		if _, seen := out[id]; seen {
			continue
		}
		unit, err := strconv.Unquote(m[2])
		if err != nil {
			continue
		}
		loc, err := domain.ParseLocationKey(unit)
		if err != nil {
			continue
		}
		start, err := strconv.Atoi(m[3])
		if err != nil {
			continue
		}
		end, err := strconv.Atoi(m[4])
		if err != nil {
			continue
		}
		out[id] = domain.ChunkLocation{Location: loc, Start: start, End: end}
	}
	return out
}

// EstimateTokens approximates the token count as one token per four runes.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}

// FitToTokenBudget keeps the most relevant chunks, in the given order, whose
// assembled context stays within budget tokens. A non-positive budget keeps
// everything.
func FitToTokenBudget(chunks []domain.ContextChunk, budget int, highlight string) []domain.ContextChunk {
	if budget <= 0 {
		return chunks
	}
	kept := make([]domain.ContextChunk, 0, len(chunks))
	for _, chunk := range chunks {
		candidate := append(kept[:len(kept):len(kept)], chunk)
		if EstimateTokens(BuildContext(candidate, highlight)) > budget {
			continue
		}
		kept = candidate
	}
	return kept
}

func dedupeChunks(chunks []domain.ContextChunk) []domain.ContextChunk {
	seen := make(map[string]struct{}, len(chunks))
	out := make([]domain.ContextChunk, 0, len(chunks))
	for _, chunk := range chunks {
		if _, ok := seen[chunk.ChunkID]; ok {
			continue
		}
		seen[chunk.ChunkID] = struct{}{}
		out = append(out, chunk)
	}
	return out
}

func groupKey(chunk domain.ContextChunk, bySection bool) string {
	if bySection {
		return chunk.SectionID
	}
	return strconv.Itoa(chunk.Page)
}

func lessGroupKey(a, b string, bySection bool) bool {
	if bySection {
		return a < b
	}
	pa, _ := strconv.Atoi(a)
	pb, _ := strconv.Atoi(b)
	return pa < pb
}

func groupHeader(key string, bySection bool) string {
	if bySection {
		return "## Section " + key
	}
	return "## Page " + key
}

func chunkMarker(chunk domain.ContextChunk, bySection bool) string {
	loc := chunk.Location
	if bySection {
		loc = domain.SectionLocation(chunk.SectionID)
	} else if loc.IsSection() {
		loc = domain.PageLocation(chunk.Page)
	}
	return fmt.Sprintf("<<chunk id=%s unit=%s start=%d end=%d>>",
		strconv.Quote(chunk.ChunkID), strconv.Quote(loc.Key()), chunk.Start, chunk.End)
}
