package records

import (
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// Chunker splits record text into overlapping chunks.
type Chunker struct {
	splitter textsplitter.TextSplitter
	size     int
	overlap  int
	max      int
}

// NewChunker creates a Chunker. size and overlap are in characters; at most
// maxChunks chunks are kept per record.
func NewChunker(size, overlap, maxChunks int) *Chunker {
	if size <= 0 {
		size = 500
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	if maxChunks <= 0 {
		maxChunks = 6
	}
	return &Chunker{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
		),
		size:    size,
		overlap: overlap,
		max:     maxChunks,
	}
}

// Split returns the chunks for text. Text no longer than the chunk size is
// a single chunk.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len([]rune(text)) <= c.size {
		return []string{text}
	}

	parts, err := c.splitter.SplitText(text)
	if err != nil || len(parts) == 0 {
		return c.window(text)
	}

	out := make([]string, 0, min(len(parts), c.max))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
		if len(out) == c.max {
			break
		}
	}
	return out
}

// window is a fixed-size fallback used when the splitter fails.
func (c *Chunker) window(text string) []string {
	runes := []rune(text)
	step := c.size - c.overlap
	var out []string
	for start := 0; start < len(runes) && len(out) < c.max; start += step {
		end := min(start+c.size, len(runes))
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}
