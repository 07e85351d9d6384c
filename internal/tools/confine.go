package tools

import (
	"errors"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/example/navi/internal/workspace"
)

// devicePaths may be named by a command even though they live outside every workspace.
var devicePaths = map[string]bool{
	"/dev/null":    true,
	"/dev/zero":    true,
	"/dev/stdin":   true,
	"/dev/stdout":  true,
	"/dev/stderr":  true,
	"/dev/tty":     true,
	"/dev/random":  true,
	"/dev/urandom": true,
}

// Confine parses command as a POSIX shell program and rejects it when an
// argument, a redirect target or a cd would reach outside the workspace root.
// Words that come from expansions are judged by their literal prefix only;
// a leading ~ or $HOME counts as outside.
func Confine(dir workspace.Dir, command string) error {
	file, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return newError(InvalidParameters, "cannot parse command: %v", err)
	}
	c := &confiner{dir: dir, cwds: []string{dir.Root}}
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.CallExpr:
			c.call(n)
		case *syntax.Redirect:
			c.redirect(n)
		}
		return c.err == nil
	})
	return c.err
}

type confiner struct {
	dir workspace.Dir
	// cwds holds every directory the program may have changed into so far;
	// a path must stay inside the root from all of them.
	cwds []string
	err  error
}

func (c *confiner) call(n *syntax.CallExpr) {
	if len(n.Args) == 0 {
		return
	}
	switch name := wordText(n.Args[0]); name {
	case "cd", "pushd":
		c.cd(n.Args[1:])
		return
	default:
		// Running an installed binary by absolute path is fine; running a
		// script from outside the root is not.
		if !filepath.IsAbs(name) {
			c.path(name)
		}
	}
	for _, arg := range n.Args[1:] {
		c.path(wordText(arg))
	}
}

func (c *confiner) redirect(r *syntax.Redirect) {
	if r.Word == nil {
		return
	}
	text := wordText(r.Word)
	switch r.Op {
	case syntax.Hdoc, syntax.DashHdoc, syntax.WordHdoc:
		return
	case syntax.DplIn, syntax.DplOut:
		// >&2 and <&- name descriptors; >& file is a path.
		if text == "-" || strings.Trim(text, "0123456789") == "" {
			return
		}
	}
	c.path(text)
}

func (c *confiner) cd(args []*syntax.Word) {
	target := ""
	for _, a := range args {
		if t := wordText(a); t != "-L" && t != "-P" {
			target = t
			break
		}
	}
	if target == "" || target == "-" || strings.HasPrefix(target, "~") {
		c.deny("cd " + target)
		return
	}
	next := make([]string, 0, len(c.cwds))
	for _, cwd := range c.cwds {
		p, ok := c.inside(cwd, target)
		if !ok {
			c.deny("cd " + target)
			return
		}
		next = append(next, p)
	}
	c.cwds = append(c.cwds, next...)
}

func (c *confiner) path(text string) {
	if text == "" || c.err != nil {
		return
	}
	// NAME=value and --flag=value carry a path after the '='.
	if i := strings.IndexByte(text, '='); i >= 0 {
		c.path(text[i+1:])
		text = text[:i]
		if text == "" {
			return
		}
	}
	if strings.HasPrefix(text, "~") {
		c.deny(text)
		return
	}
	if devicePaths[text] {
		return
	}
	for _, cwd := range c.cwds {
		if _, ok := c.inside(cwd, text); !ok {
			c.deny(text)
			return
		}
	}
}

func (c *confiner) inside(cwd, p string) (string, bool) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(cwd, p)
	}
	_, err := c.dir.Resolve(p)
	return filepath.Clean(p), !errors.Is(err, workspace.ErrOutsideRoot)
}

func (c *confiner) deny(what string) {
	if c.err == nil {
		c.err = newError(PermissionDenied, "%q reaches outside the workspace root", what)
	}
}

// wordText is the literal text of w up to its first expansion.
func wordText(w *syntax.Word) string {
	var b strings.Builder
	literalParts(&b, w.Parts)
	return b.String()
}

func literalParts(b *strings.Builder, parts []syntax.WordPart) bool {
	for _, part := range parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(p.Value)
		case *syntax.SglQuoted:
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			if !literalParts(b, p.Parts) {
				return false
			}
		case *syntax.ParamExp:
			if b.Len() == 0 && p.Param != nil && p.Param.Value == "HOME" {
				b.WriteString("~")
			}
			return false
		default:
			return false
		}
	}
	return true
}
