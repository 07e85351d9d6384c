package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/example/navi/internal/retrieval"
)

// Searcher is the semantic index used by the search tool.
type Searcher interface {
	Search(ctx context.Context, workspaceID, query string, k int) ([]retrieval.Chunk, bool, error)
}

const (
	defaultSearchK = 5
	maxSearchK     = 20
)

// Search finds workspace content relevant to a query.
// Inputs:
//   - query: string (required)
//   - k: number (optional, default 5, max 20)
//
// It uses the semantic index once the workspace has one and a
// case-insensitive text scan before that.
type Search struct {
	Index Searcher
}

func (t *Search) Kind() Kind { return KindSearch }

func (t *Search) Execute(ctx context.Context, env Env, inputs map[string]any) (Output, error) {
	query, err := requiredString(inputs, "query")
	if err != nil {
		return Output{}, err
	}
	k, err := intInput(inputs, "k", defaultSearchK)
	if err != nil {
		return Output{}, err
	}
	if k <= 0 {
		return Output{}, newError(InvalidParameters, "k must be positive")
	}
	if k > maxSearchK {
		k = maxSearchK
	}

	if t.Index != nil {
		chunks, had, err := t.Index.Search(ctx, env.Workspace.ID, query, k)
		if err != nil {
			return Output{}, &Error{Kind: ExecutionFailed, Err: err}
		}
		if had {
			var b strings.Builder
			for _, c := range chunks {
				fmt.Fprintf(&b, "### %s (score %.3f)\n%s\n\n", c.Locator(), c.Score, strings.TrimRight(c.Text, "\n"))
			}
			return Output{Text: b.String(), Summary: fmt.Sprintf("%d semantic matches for %q", len(chunks), query)}, nil
		}
	}

	matches, err := scan(ctx, env.Workspace.Root, query, k*4)
	if err != nil {
		return Output{}, err
	}
	return Output{Text: strings.Join(matches, "\n"), Summary: fmt.Sprintf("%d text matches for %q", len(matches), query)}, nil
}

// scan returns up to limit "path:line: text" matches for needle.
func scan(ctx context.Context, root, needle string, limit int) ([]string, error) {
	files, err := retrieval.ListFiles(root)
	if err != nil {
		return nil, &Error{Kind: ExecutionFailed, Err: err}
	}
	needle = strings.ToLower(needle)
	var out []string
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64<<10), 1<<20)
		for n := 1; sc.Scan(); n++ {
			line := sc.Text()
			if strings.Contains(strings.ToLower(line), needle) {
				out = append(out, fmt.Sprintf("%s:%d: %s", rel, n, strings.TrimSpace(firstLineOf(line, 200))))
				if len(out) >= limit {
					f.Close()
					return out, nil
				}
			}
		}
		f.Close()
	}
	return out, nil
}
