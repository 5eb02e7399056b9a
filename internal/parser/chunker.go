package parser

import (
	"fmt"
	"strings"

	"compactbot/internal/models"
)

// span is a [start, end) byte range of a document's text.
type span struct {
	start, end int
}

// SplitDocuments cuts every document into fixed-width windows of maxChars
// characters, each sharing overlapChars characters with its predecessor.
// Boundaries may fall mid-sentence and the last chunk of a document may be
// shorter. Documents with no visible text yield no chunks.
func SplitDocuments(docs []models.Document, maxChars, overlapChars int) ([]models.Chunk, error) {
	if maxChars <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", models.ErrInvalidConfig, maxChars)
	}
	if overlapChars < 0 || overlapChars >= maxChars {
		return nil, fmt.Errorf("%w: chunk overlap %d must be in [0, %d)", models.ErrInvalidConfig, overlapChars, maxChars)
	}

	var chunks []models.Chunk
	for _, doc := range docs {
		chunks = append(chunks, getChunks(doc, maxChars, overlapChars)...)
	}
	return chunks, nil
}

// get chunks from a document, keeping the page number of each chunk's start
func getChunks(doc models.Document, maxChars, overlapChars int) []models.Chunk {
	content := doc.Text()
	if strings.TrimSpace(content) == "" {
		return nil
	}

	var chunks []models.Chunk
	for i, s := range chunkContent(content, maxChars, overlapChars) {
		chunks = append(chunks, models.Chunk{
			Content:    content[s.start:s.end],
			Source:     doc.Source,
			PageNumber: doc.PageAt(s.start),
			ChunkID:    i + 1,
			Start:      s.start,
			End:        s.end,
		})
	}
	return chunks
}

// chunkContent windows content by runes, advancing maxChars-overlapChars
// runes per step. Callers validate the sizes.
func chunkContent(content string, maxChars, overlapChars int) []span {
	if len(content) == 0 {
		return nil
	}

	// byte offset of every rune, plus the end of the string
	offsets := make([]int, 0, len(content)+1)
	for i := range content {
		offsets = append(offsets, i)
	}
	runeCount := len(offsets)
	offsets = append(offsets, len(content))

	step := maxChars - overlapChars
	var spans []span
	for start := 0; start < runeCount; start += step {
		end := min(start+maxChars, runeCount)
		spans = append(spans, span{start: offsets[start], end: offsets[end]})
		if end == runeCount {
			break
		}
	}
	return spans
}

// Reconstruct rebuilds the text of one document from its chunks by writing
// each chunk minus the part already covered by its predecessor.
func Reconstruct(chunks []models.Chunk) string {
	var content strings.Builder
	covered := 0
	for _, c := range chunks {
		if c.End <= covered {
			continue
		}
		skip := max(covered-c.Start, 0)
		content.WriteString(c.Content[skip:])
		covered = c.End
	}
	return content.String()
}
