package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const defaultMaxFileBytes = 1 << 20

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "dist": true,
	"build": true, "__pycache__": true, ".venv": true, ".idea": true,
}

var indexedExts = map[string]bool{
	".go": true, ".py": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".java": true, ".kt": true, ".rb": true, ".rs": true, ".c": true, ".h": true,
	".cc": true, ".cpp": true, ".hpp": true, ".cs": true, ".swift": true, ".php": true,
	".scala": true, ".sh": true, ".sql": true, ".proto": true, ".css": true, ".scss": true,
	".md": true, ".txt": true, ".rst": true, ".yaml": true, ".yml": true, ".toml": true,
	".json": true, ".ini": true, ".html": true, ".htm": true, ".pdf": true,
}

var indexedNames = map[string]bool{
	"Makefile": true, "Dockerfile": true, "README": true, "LICENSE": true, "go.mod": true,
}

type sourceFile struct {
	Rel     string
	Abs     string
	Size    int64
	ModTime time.Time
}

// walk lists indexable regular files under root in lexical order. Symlinks
// are not followed.
func walk(root string, maxBytes int64) ([]sourceFile, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxFileBytes
	}
	var files []sourceFile
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if p != root && (skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !indexable(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxBytes || info.Size() == 0 {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		files = append(files, sourceFile{Rel: filepath.ToSlash(rel), Abs: p, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Rel < files[j].Rel })
	return files, nil
}

func indexable(name string) bool {
	return indexedNames[name] || indexedExts[strings.ToLower(filepath.Ext(name))]
}

// fingerprint is the freshness marker of a file set.
func fingerprint(files []sourceFile) string {
	h := sha256.New()
	for _, f := range files {
		fmt.Fprintf(h, "%s\x00%d\x00%d\n", f.Rel, f.Size, f.ModTime.UnixNano())
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ListFiles returns the workspace-relative paths of files the indexer would
// consider, in lexical order.
func ListFiles(root string) ([]string, error) {
	files, err := walk(root, defaultMaxFileBytes)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Rel
	}
	return out, nil
}
