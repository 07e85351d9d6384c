package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// Chunk is one search hit. Lines are 1-based and inclusive.
type Chunk struct {
	Path      string  `json:"path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Text      string  `json:"text"`
	Score     float32 `json:"score"`
}

// Locator renders "path:start-end".
func (c Chunk) Locator() string {
	return fmt.Sprintf("%s:%d-%d", c.Path, c.StartLine, c.EndLine)
}

// Generation is one complete, immutable index build for a workspace.
type Generation struct {
	Workspace   string
	Seq         int
	Fingerprint string
	Files       int
	BuiltAt     time.Time

	collection *chromem.Collection
}

func (g *Generation) Chunks() int {
	if g == nil || g.collection == nil {
		return 0
	}
	return g.collection.Count()
}

// Query returns the top k chunks by similarity. Ties are broken by shorter
// path, then path, then start line.
func (g *Generation) Query(ctx context.Context, query string, k int) ([]Chunk, error) {
	total := g.Chunks()
	if total == 0 || k <= 0 || query == "" {
		return nil, nil
	}
	// Widen the fetch until the k-th score is strictly above the last result,
	// so every chunk tied at the cut-off goes through our ordering.
	n := k * 4
	if n < 64 {
		n = 64
	}
	var res []chromem.Result
	for {
		if n > total {
			n = total
		}
		var err error
		res, err = g.collection.Query(ctx, query, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("query index: %w", err)
		}
		if n == total || len(res) <= k || res[len(res)-1].Similarity < res[k-1].Similarity {
			break
		}
		n *= 2
	}
	out := make([]Chunk, 0, len(res))
	for _, r := range res {
		start, _ := strconv.Atoi(r.Metadata["start"])
		end, _ := strconv.Atoi(r.Metadata["end"])
		out = append(out, Chunk{Path: r.Metadata["path"], StartLine: start, EndLine: end, Text: r.Content, Score: r.Similarity})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if len(a.Path) != len(b.Path) {
			return len(a.Path) < len(b.Path)
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.StartLine < b.StartLine
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}
