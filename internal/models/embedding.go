package models

import "strings"

// Page is the extracted text of a single page of a source file.
type Page struct {
	Number int
	Text   string
}

// Document is one loaded corpus file split into pages.
type Document struct {
	Source string
	// hex SHA-256 of the file bytes the pages were parsed from
	Digest string
	Pages  []Page
}

// Text returns the pages joined by a newline.
func (d Document) Text() string {
	parts := make([]string, len(d.Pages))
	for i, p := range d.Pages {
		parts[i] = p.Text
	}
	return strings.Join(parts, "\n")
}

// PageAt maps a byte offset of Text() back to the page it falls in.
func (d Document) PageAt(offset int) int {
	if len(d.Pages) == 0 {
		return 0
	}
	pos := 0
	for _, p := range d.Pages {
		// +1 for the joining newline
		pos += len(p.Text) + 1
		if offset < pos {
			return p.Number
		}
	}
	return d.Pages[len(d.Pages)-1].Number
}

// Chunk represents a parsed chunk with metadata
type Chunk struct {
	Content    string
	Source     string
	PageNumber int
	ChunkID    int
	// byte offsets into Document.Text()
	Start int
	End   int
}

// ChunkEmbedding pairs a chunk with its vector.
type ChunkEmbedding struct {
	Chunk
	Embedding []float32
}

// SearchResult is a retrieved chunk with its cosine similarity to the query.
type SearchResult struct {
	Chunk
	Similarity float32
}

type PromptResponse struct {
	Query   string
	Source  string
	Content string
	Sources []SearchResult
}
