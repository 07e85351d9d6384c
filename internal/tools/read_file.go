package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/example/navi/internal/extract"
)

const defaultReadBytes = 64 << 10

// ReadFile returns the text of a workspace file, or a listing for a directory.
// Inputs:
//   - path: string (required), relative to the workspace root
//   - max_bytes: number (optional, default 64 KiB)
//
// HTML is reduced to visible text and PDFs to their page text.
type ReadFile struct{}

func (t *ReadFile) Kind() Kind { return KindReadFile }

func (t *ReadFile) Execute(ctx context.Context, env Env, inputs map[string]any) (Output, error) {
	p, err := requiredString(inputs, "path")
	if err != nil {
		return Output{}, err
	}
	limit, err := intInput(inputs, "max_bytes", defaultReadBytes)
	if err != nil {
		return Output{}, err
	}
	if limit <= 0 {
		return Output{}, newError(InvalidParameters, "max_bytes must be positive")
	}
	abs, err := resolvePath(env, p)
	if err != nil {
		return Output{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Output{}, newError(ExecutionFailed, "%s does not exist", p)
		}
		return Output{}, &Error{Kind: ExecutionFailed, Err: err}
	}
	rel := env.Workspace.Rel(abs)
	if info.IsDir() {
		return listDir(abs, rel)
	}

	text, truncated, err := extract.Prefix(abs, limit)
	if err != nil {
		if errors.Is(err, extract.ErrBinary) {
			return Output{}, newError(ExecutionFailed, "%s is a binary file", rel)
		}
		return Output{}, &Error{Kind: ExecutionFailed, Err: err}
	}
	lines := strings.Count(text, "\n")
	if text != "" && !strings.HasSuffix(text, "\n") {
		lines++
	}
	summary := fmt.Sprintf("read %s (%d lines)", rel, lines)
	if truncated {
		summary += ", truncated"
	}
	return Output{Text: text, Summary: summary}, nil
}

func listDir(abs, rel string) (Output, error) {
	entries, err := os.ReadDir(abs)
	if err != nil {
		return Output{}, &Error{Kind: ExecutionFailed, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return Output{Text: strings.Join(names, "\n"), Summary: fmt.Sprintf("listed %s (%d entries)", rel, len(names))}, nil
}
