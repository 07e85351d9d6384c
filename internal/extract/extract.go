// Package extract turns workspace files into plain text for indexing and for
// the read_file tool.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	pdfx "github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

var (
	ErrBinary   = errors.New("binary content")
	ErrTooLarge = errors.New("file too large")
)

// MaxPDFPages bounds how many pages are read from a single PDF.
var MaxPDFPages = 50

// MaxDocumentBytes bounds HTML and PDF files, which are parsed whole.
var MaxDocumentBytes int64 = 32 << 20

// File reads path and returns its text according to the file extension.
func File(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return PDF(path)
	case ".html", ".htm":
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return HTML(string(b))
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return Text(b)
}

// Prefix returns at most limit bytes of the file's text and whether more was
// available. Plain text is read only up to the limit; documents over
// MaxDocumentBytes are refused before they are opened.
func Prefix(path string, limit int) (string, bool, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf", ".html", ".htm":
		info, err := os.Stat(path)
		if err != nil {
			return "", false, err
		}
		if info.Size() > MaxDocumentBytes {
			return "", false, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, info.Size(), MaxDocumentBytes)
		}
		text, err := File(path)
		if err != nil {
			return "", false, err
		}
		if len(text) > limit {
			return strings.ToValidUTF8(text[:limit], ""), true, nil
		}
		return text, false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return "", false, err
	}
	truncated := len(b) > limit
	if truncated {
		b = b[:limit]
	}
	text, err := Text(b)
	if err != nil {
		return "", false, err
	}
	if truncated {
		text = strings.ToValidUTF8(text, "")
	}
	return text, truncated, nil
}

// Text validates that b looks like text.
func Text(b []byte) (string, error) {
	sniff := b
	if len(sniff) > 8000 {
		sniff = sniff[:8000]
	}
	if bytes.IndexByte(sniff, 0) != -1 || !utf8.Valid(trimPartialRune(sniff)) {
		return "", ErrBinary
	}
	return string(b), nil
}

func trimPartialRune(b []byte) []byte {
	for i := 0; i < utf8.UTFMax && len(b) > 0; i++ {
		if utf8.Valid(b) {
			return b
		}
		b = b[:len(b)-1]
	}
	return b
}

// HTML strips markup, scripts and styles, keeping block boundaries as newlines.
func HTML(src string) (string, error) {
	if strings.TrimSpace(src) == "" {
		return "", nil
	}
	node, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	extractText(node, &b, false)
	return strings.TrimSpace(compactWhitespace(b.String())), nil
}

func extractText(n *html.Node, b *strings.Builder, inHidden bool) {
	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript":
			inHidden = true
		case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "pre":
			b.WriteString("\n")
		}
	}
	if !inHidden && n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, b, inHidden)
	}
}

func compactWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.Join(strings.Fields(ln), " "); ln != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}

// PDF extracts plain text page by page, up to MaxPDFPages.
func PDF(path string) (text string, err error) {
	f, r, err := pdfx.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()
	// the pdf reader panics on some malformed inputs
	defer func() {
		if rec := recover(); rec != nil {
			text, err = "", fmt.Errorf("read pdf %s: %v", filepath.Base(path), rec)
		}
	}()

	total := r.NumPage()
	var out strings.Builder
	for page := 1; page <= total && page <= MaxPDFPages; page++ {
		p := r.Page(page)
		if p.V.IsNull() {
			continue
		}
		txt, _ := p.GetPlainText(nil)
		if t := strings.TrimSpace(txt); t != "" {
			fmt.Fprintf(&out, "--- Page %d ---\n%s\n\n", page, t)
		}
	}
	return strings.TrimSpace(out.String()), nil
}
