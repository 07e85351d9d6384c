// Package tokens counts tokens with tiktoken's cl100k_base encoding once it
// has been enabled, and with a character/word heuristic otherwise.
package tokens

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once     sync.Once
	encoding atomic.Pointer[tiktoken.Tiktoken]
)

// UseTiktoken loads the cl100k_base encoding. Loading may fetch the BPE ranks
// over the network, so it is opt-in; on failure the heuristic stays active.
func UseTiktoken() error {
	var err error
	once.Do(func() {
		var enc *tiktoken.Tiktoken
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding.Store(enc)
		}
	})
	return err
}

// Count returns the token count for text.
func Count(text string) int {
	if enc := encoding.Load(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate returns max(runes/4, words), and at least 1 for non-blank text.
func Estimate(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// Truncate cuts text to roughly maxTokens, appending "..." when shortened.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	if enc := encoding.Load(); enc != nil {
		toks := enc.Encode(text, nil, nil)
		if len(toks) <= maxTokens {
			return text
		}
		return enc.Decode(toks[:maxTokens]) + "..."
	}
	runes := []rune(text)
	limit := maxTokens * 4
	if limit >= len(runes) {
		return text
	}
	return string(runes[:limit]) + "..."
}
