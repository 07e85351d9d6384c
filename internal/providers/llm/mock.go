package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// MockClient is used when no real provider is configured. It always answers
// with a final action that cites any retrieved context headers ("### path:lines")
// found in the conversation.
type MockClient struct{}

func (m *MockClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var request string
	var sources []string
	seen := map[string]bool{}
	for _, msg := range req.Messages {
		if msg.Role != "user" {
			continue
		}
		if request == "" {
			request = firstLine(msg.Content)
		}
		for _, ln := range strings.Split(msg.Content, "\n") {
			if !strings.HasPrefix(ln, "### ") {
				continue
			}
			src := strings.TrimPrefix(ln, "### ")
			if i := strings.LastIndex(src, ":"); i > 0 {
				src = src[:i]
			}
			if !seen[src] {
				seen[src] = true
				sources = append(sources, src)
			}
		}
	}

	var text string
	if len(sources) > 0 {
		text = fmt.Sprintf("Based on the indexed workspace, the most relevant sources for %q are: %s.", request, strings.Join(sources, ", "))
	} else {
		text = fmt.Sprintf("No indexed workspace context was available yet; answering %q from the request alone.", request)
	}
	b, _ := json.Marshal(map[string]string{"type": "final", "text": text})
	prompt := 0
	for _, msg := range req.Messages {
		prompt += len(msg.Content) / 4
	}
	return &Response{Text: string(b), Model: "mock", Usage: Usage{PromptTokens: prompt, CompletionTokens: len(text) / 4}}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i != -1 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
