package retrieval

import (
	"strings"

	"github.com/example/navi/internal/tokens"
)

const (
	defaultChunkTokens  = 256
	defaultChunkOverlap = 32
)

// Chunker splits text on line boundaries into spans of roughly Size tokens,
// repeating up to Overlap tokens of trailing lines at the start of the next span.
type Chunker struct {
	Size    int
	Overlap int
}

// Span is a chunk of a file before embedding. Lines are 1-based and inclusive.
type Span struct {
	StartLine int
	EndLine   int
	Text      string
}

func (c Chunker) Split(text string) []Span {
	size := c.Size
	if size <= 0 {
		size = defaultChunkTokens
	}
	overlap := c.Overlap
	if overlap < 0 || overlap >= size {
		overlap = size / 8
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var out []Span
	var buf []string
	start, used := 1, 0
	flush := func() {
		body := strings.Join(buf, "\n")
		if strings.TrimSpace(body) != "" {
			out = append(out, Span{StartLine: start, EndLine: start + len(buf) - 1, Text: body})
		}
	}

	for i, ln := range lines {
		n := tokens.Count(ln) + 1
		if n > size {
			if len(buf) > 0 {
				flush()
			}
			for _, part := range splitRunes(ln, size*4) {
				if strings.TrimSpace(part) != "" {
					out = append(out, Span{StartLine: i + 1, EndLine: i + 1, Text: part})
				}
			}
			buf, used = nil, 0
			continue
		}
		if used+n > size && len(buf) > 0 {
			flush()
			keep, kept := 0, 0
			for j := len(buf) - 1; j > 0; j-- {
				t := tokens.Count(buf[j]) + 1
				if kept+t > overlap {
					break
				}
				kept += t
				keep++
			}
			start += len(buf) - keep
			buf = append([]string(nil), buf[len(buf)-keep:]...)
			used = kept
		}
		if len(buf) == 0 {
			start = i + 1
		}
		buf = append(buf, ln)
		used += n
	}
	if len(buf) > 0 {
		flush()
	}
	return out
}

func splitRunes(s string, n int) []string {
	r := []rune(s)
	var parts []string
	for len(r) > n {
		parts = append(parts, string(r[:n]))
		r = r[n:]
	}
	return append(parts, string(r))
}
