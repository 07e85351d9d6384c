package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/example/navi/internal/logging"
	"github.com/example/navi/internal/models"
	"github.com/example/navi/internal/providers/llm"
	"github.com/example/navi/internal/router"
	"github.com/example/navi/internal/tokens"
)

// Completer is the part of the model router the planner needs.
type Completer interface {
	Complete(ctx context.Context, route string, req llm.Request) (*router.Result, error)
}

// LLMPlanner asks a routed model for the next action as a JSON object.
type LLMPlanner struct {
	Router Completer
	// MaxTokens caps the completion; zero lets the provider decide.
	MaxTokens     int
	ContextTokens int
	Logger        *zap.Logger
}

func (p *LLMPlanner) Next(ctx context.Context, in PlanInput) (Decision, error) {
	req := llm.Request{
		System:      systemPrompt,
		Messages:    buildMessages(in, p.contextBudget()),
		MaxTokens:   p.MaxTokens,
		Temperature: 0.2,
	}
	res, err := p.Router.Complete(ctx, in.Task.Route, req)
	if err != nil {
		return Decision{}, err
	}
	action, ok := ParseAction(res.Response.Text)
	if !ok {
		logging.OrNop(p.Logger).Debug("model reply was not an action, treating as final answer",
			zap.String("task", in.Task.ID), zap.String("model", res.Model))
	}
	action.Model = res.Model
	return Decision{Action: action, Model: res.Model, Tokens: res.Tokens, Hops: res.Hops}, nil
}

func (p *LLMPlanner) contextBudget() int {
	if p.ContextTokens > 0 {
		return p.ContextTokens
	}
	return 6000
}

const systemPrompt = `You are NAVI, a coding assistant working inside the user's workspace.
Reply with exactly ONE JSON object and nothing else. No prose, no code fences.

Actions:
- {"type":"narration","text":"..."}: tell the user what you are doing next.
- {"type":"tool_call","name":"<tool>","input":{...}}: run one tool; its result is sent back to you.
- {"type":"final","text":"..."}: your complete answer. Use it once the work is done.

Tools:
- read_file: {"path": string, "max_bytes"?: number}. Directories return a listing.
- write_file: {"path": string, "content": string}. Replaces the whole file.
- run_command: {"command": string, "timeout_ms"?: number}. Runs with sh -c in the workspace root.
- search: {"query": string, "k"?: number}

Rules:
- Paths are relative to the workspace root; nothing outside it is reachable.
- When a tool fails, read the error and adjust instead of repeating the same call.
- When verification fails, fix the cause, then give a new final answer.`

// buildMessages renders the conversation for the model. Consecutive messages
// with the same role are merged since some providers require alternation.
func buildMessages(in PlanInput, contextTokens int) []llm.Message {
	var msgs []llm.Message
	add := func(role, content string) {
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content += "\n\n" + content
			return
		}
		msgs = append(msgs, llm.Message{Role: role, Content: content})
	}
	for _, m := range in.History {
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		add(role, m.Content)
	}
	add("user", requestPrompt(in, contextTokens))

	for _, h := range in.Task.History {
		switch h.Kind {
		case models.EntryNarration:
			add("assistant", encodeAction(models.Action{Kind: models.ActionNarration, Text: h.Content}))
		case models.EntryToolCall:
			if h.Call != nil {
				add("assistant", encodeAction(models.Action{Kind: models.ActionToolCall, Call: h.Call}))
			}
		case models.EntryToolResult:
			if h.Result != nil {
				add("user", toolResultPrompt(h.Result))
			}
		case models.EntryAnswer:
			add("assistant", encodeAction(models.Action{Kind: models.ActionFinal, Text: h.Content}))
		case models.EntryVerification:
			add("user", h.Content)
		}
	}
	return msgs
}

func requestPrompt(in PlanInput, budget int) string {
	var b strings.Builder
	b.WriteString(in.Task.Request)
	b.WriteString("\n\n## Retrieved context\n")
	if len(in.Chunks) == 0 {
		if in.HadIndex {
			b.WriteString("(no indexed content matched this request)\n")
		} else {
			b.WriteString("(the workspace index is not ready yet; use tools to look around)\n")
		}
		return b.String()
	}
	used := 0
	for _, c := range in.Chunks {
		text := strings.TrimRight(c.Text, "\n")
		n := tokens.Count(text)
		if used > 0 && used+n > budget {
			break
		}
		used += n
		fmt.Fprintf(&b, "### %s\n%s\n", c.Locator(), text)
	}
	return b.String()
}

func toolResultPrompt(r *models.ToolResult) string {
	if r.OK {
		return fmt.Sprintf("Tool result for %s (ok): %s\n%s", r.Name, r.Summary, r.Output)
	}
	s := fmt.Sprintf("Tool result for %s (%s): %s", r.Name, r.ErrorKind, r.Error)
	if r.Output != "" {
		s += "\n" + r.Output
	}
	return s
}

// wireAction is the JSON shape models reply with. Both a flat name/input and a
// nested call object are accepted for tool calls.
type wireAction struct {
	Type  string           `json:"type"`
	Text  string           `json:"text,omitempty"`
	Name  string           `json:"name,omitempty"`
	Input map[string]any   `json:"input,omitempty"`
	Call  *models.ToolCall `json:"call,omitempty"`
}

func encodeAction(a models.Action) string {
	w := wireAction{Type: string(a.Kind), Text: a.Text}
	if a.Call != nil {
		w.Name, w.Input = a.Call.Name, a.Call.Input
	}
	b, _ := json.Marshal(w)
	return string(b)
}

// ParseAction decodes a model reply. Replies that are not a usable action
// become a final answer carrying the raw text; ok reports whether parsing
// succeeded.
func ParseAction(raw string) (models.Action, bool) {
	text := normalizeJSONText(raw)
	var w wireAction
	if err := json.Unmarshal([]byte(text), &w); err != nil {
		fixed, rerr := jsonrepair.JSONRepair(text)
		if rerr != nil || json.Unmarshal([]byte(fixed), &w) != nil {
			return models.Action{Kind: models.ActionFinal, Text: strings.TrimSpace(raw)}, false
		}
	}
	switch models.ActionKind(strings.ToLower(w.Type)) {
	case models.ActionNarration:
		if strings.TrimSpace(w.Text) != "" {
			return models.Action{Kind: models.ActionNarration, Text: w.Text}, true
		}
	case models.ActionToolCall:
		call := w.Call
		if call == nil {
			call = &models.ToolCall{Name: w.Name, Input: w.Input}
		}
		if call.Name != "" {
			return models.Action{Kind: models.ActionToolCall, Text: w.Text, Call: call}, true
		}
	case models.ActionFinal:
		return models.Action{Kind: models.ActionFinal, Text: w.Text}, true
	}
	return models.Action{Kind: models.ActionFinal, Text: strings.TrimSpace(raw)}, false
}

// extractJSONObject returns the first balanced {...} in s, skipping braces
// inside strings.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return ""
	}
	depth, inStr, esc := 0, false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case esc:
			esc = false
		case inStr && c == '\\':
			esc = true
		case c == '"':
			inStr = !inStr
		case inStr:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

func normalizeJSONText(s string) string {
	t := strings.TrimSpace(s)
	// Strip code fences like ```json ... ```
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```")
		if idx := strings.IndexByte(t, '\n'); idx != -1 {
			t = t[idx+1:]
		}
		if j := strings.LastIndex(t, "```"); j != -1 {
			t = t[:j]
		}
		t = strings.TrimSpace(t)
	}
	if !strings.HasPrefix(t, "{") {
		if obj := extractJSONObject(t); obj != "" {
			return obj
		}
	}
	return t
}
