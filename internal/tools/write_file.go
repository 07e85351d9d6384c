package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Refresher is told when a tool changes workspace content.
type Refresher interface {
	Refresh(workspaceID string) error
}

// WriteFile replaces a workspace file's content atomically.
// Inputs:
//   - path: string (required)
//   - content: string (required, may be empty)
//
// Output is a patch against the previous content.
type WriteFile struct {
	Refresh Refresher
}

func (t *WriteFile) Kind() Kind { return KindWriteFile }

func (t *WriteFile) Execute(ctx context.Context, env Env, inputs map[string]any) (Output, error) {
	p, err := requiredString(inputs, "path")
	if err != nil {
		return Output{}, err
	}
	content, ok := stringInput(inputs, "content")
	if !ok {
		return Output{}, newError(InvalidParameters, `"content" is required and must be a string`)
	}
	abs, err := resolvePath(env, p)
	if err != nil {
		return Output{}, err
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	var old string
	mode := fs.FileMode(0o644)
	switch info, err := os.Stat(abs); {
	case err == nil && info.IsDir():
		return Output{}, newError(InvalidParameters, "%s is a directory", p)
	case err == nil:
		b, err := os.ReadFile(abs)
		if err != nil {
			return Output{}, &Error{Kind: ExecutionFailed, Err: err}
		}
		old, mode = string(b), info.Mode().Perm()
	case !errors.Is(err, fs.ErrNotExist):
		return Output{}, &Error{Kind: ExecutionFailed, Err: err}
	}

	if err := writeAtomic(abs, []byte(content), mode); err != nil {
		return Output{}, &Error{Kind: ExecutionFailed, Err: err}
	}
	if t.Refresh != nil {
		_ = t.Refresh.Refresh(env.Workspace.ID)
	}

	added, removed, patch := lineDiff(old, content)
	return Output{
		Text:    patch,
		Summary: fmt.Sprintf("wrote %s (+%d -%d lines)", env.Workspace.Rel(abs), added, removed),
	}, nil
}

func writeAtomic(path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".navi-write-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// lineDiff counts changed lines and renders them with +/- prefixes. Runs of
// more than four unchanged lines are collapsed.
func lineDiff(before, after string) (added, removed int, rendered string) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	var out strings.Builder
	for _, d := range diffs {
		segment := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += len(segment)
			writePrefixed(&out, "+", segment)
		case diffmatchpatch.DiffDelete:
			removed += len(segment)
			writePrefixed(&out, "-", segment)
		default:
			if len(segment) > 4 {
				writePrefixed(&out, " ", segment[:2])
				fmt.Fprintf(&out, "@@ %d unchanged lines @@\n", len(segment)-4)
				segment = segment[len(segment)-2:]
			}
			writePrefixed(&out, " ", segment)
		}
	}
	return added, removed, out.String()
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func writePrefixed(b *strings.Builder, prefix string, lines []string) {
	for _, ln := range lines {
		b.WriteString(prefix)
		b.WriteString(ln)
		b.WriteByte('\n')
	}
}
