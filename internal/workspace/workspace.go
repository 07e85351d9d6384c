// Package workspace maps workspace identifiers to directories and keeps every
// path a tool touches inside the workspace root.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrOutsideRoot = errors.New("path escapes workspace root")
	ErrNotFound    = errors.New("workspace not found")
)

// Dir is a resolved workspace root.
type Dir struct {
	ID   string
	Root string
}

// Resolve turns a workspace-relative (or absolute, in-root) path into an
// absolute path, rejecting anything that lands outside Root, symlinks included.
func (d Dir) Resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty path")
	}
	var abs string
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Join(d.Root, p)
	}
	if !within(d.Root, abs) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}

	// Follow symlinks on the longest existing prefix.
	real, err := evalExisting(abs)
	if err != nil {
		return "", err
	}
	rootReal, err := filepath.EvalSymlinks(d.Root)
	if err != nil {
		rootReal = d.Root
	}
	if !within(rootReal, real) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return abs, nil
}

// Rel returns p relative to Root using forward slashes.
func (d Dir) Rel(p string) string {
	rel, err := filepath.Rel(d.Root, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(rel)
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func evalExisting(p string) (string, error) {
	rest := ""
	cur := p
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(real, rest), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

// Resolver maps workspace identifiers to directories. With an empty Base,
// identifiers are treated as absolute directory paths; otherwise they name
// subdirectories of Base.
type Resolver struct {
	Base string
}

func (r Resolver) Resolve(id string) (Dir, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Dir{}, fmt.Errorf("%w: empty identifier", ErrNotFound)
	}
	var root string
	if r.Base == "" {
		root = filepath.Clean(id)
		if !filepath.IsAbs(root) {
			abs, err := filepath.Abs(root)
			if err != nil {
				return Dir{}, err
			}
			root = abs
		}
	} else {
		root = filepath.Join(r.Base, id)
		if !within(filepath.Clean(r.Base), root) || root == filepath.Clean(r.Base) {
			return Dir{}, fmt.Errorf("%w: %s", ErrOutsideRoot, id)
		}
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return Dir{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return Dir{ID: id, Root: root}, nil
}
