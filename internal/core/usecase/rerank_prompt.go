package usecase

import (
	"fmt"
	"strings"

	"github.com/BinkyTwin/reviewxiv/internal/core/domain"
)

func buildRerankPrompt(query string, batch []domain.ContextChunk, excerptChars int) string {
	var passages strings.Builder
	for idx, chunk := range batch {
		passages.WriteString(fmt.Sprintf("[%d] %s\n\n", idx+1, excerpt(chunk.Content, excerptChars)))
	}

	return fmt.Sprintf(`Rate how relevant each passage is to the question, from 0 (unrelated) to 10 (answers it directly).
Return only a JSON array of %d integers, one per passage, in the same order. No prose.

Question:
%s

Passages:
%s`, len(batch), query, passages.String())
}

const ellipsis = "..."

// excerpt caps text at limit runes, ellipsis included.
func excerpt(text string, limit int) string {
	text = strings.TrimSpace(text)
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	if limit <= len(ellipsis) {
		return string(runes[:limit])
	}
	return string(runes[:limit-len(ellipsis)]) + ellipsis
}
