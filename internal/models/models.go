package models

import (
	"time"
)

type Status string

const (
	StatusPlanning  Status = "planning"
	StatusExecuting Status = "executing"
	StatusVerifying Status = "verifying"
	StatusFixing    Status = "fixing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the ingress payload for one task.
type Request struct {
	Message       string    `json:"message"`
	Workspace     string    `json:"workspace"`
	ModelHint     string    `json:"model,omitempty"`
	History       []Message `json:"history,omitempty"`
	Verify        bool      `json:"verify,omitempty"`
	VerifyCommand string    `json:"verify_command,omitempty"`
	MaxIterations int       `json:"max_iterations,omitempty"`
}

type Task struct {
	ID            string         `json:"id"`
	Request       string         `json:"request"`
	Workspace     string         `json:"workspace"`
	Route         string         `json:"route"`
	VerifyCommand string         `json:"verify_command,omitempty"`
	Status        Status         `json:"status"`
	Iteration     int            `json:"iteration"`
	MaxIterations int            `json:"max_iterations"`
	History       []HistoryEntry `json:"history,omitempty"`
	Iterations    []Iteration    `json:"iterations,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Clone copies the task deeply enough for concurrent readers.
func (t *Task) Clone() *Task {
	c := *t
	c.History = append([]HistoryEntry(nil), t.History...)
	c.Iterations = make([]Iteration, len(t.Iterations))
	for i, it := range t.Iterations {
		c.Iterations[i] = it
		c.Iterations[i].ToolCalls = append([]ToolCall(nil), it.ToolCalls...)
		c.Iterations[i].Models = append([]string(nil), it.Models...)
	}
	return &c
}

type EntryKind string

const (
	EntryNarration    EntryKind = "narration"
	EntryToolCall     EntryKind = "tool_call"
	EntryToolResult   EntryKind = "tool_result"
	EntryVerification EntryKind = "verification"
	EntryAnswer       EntryKind = "answer"
)

type HistoryEntry struct {
	Kind    EntryKind   `json:"kind"`
	Content string      `json:"content,omitempty"`
	Call    *ToolCall   `json:"call,omitempty"`
	Result  *ToolResult `json:"result,omitempty"`
}

type Iteration struct {
	Seq          int                 `json:"seq"`
	Route        string              `json:"route"`
	Models       []string            `json:"models,omitempty"`
	Tokens       int                 `json:"tokens,omitempty"`
	Hops         int                 `json:"hops,omitempty"`
	ToolCalls    []ToolCall          `json:"tool_calls,omitempty"`
	Verification *VerificationResult `json:"verification,omitempty"`
	Termination  string              `json:"termination,omitempty"`
}

type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

type ToolResult struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Output    string `json:"output,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
	Summary   string `json:"summary"`
}

type VerificationResult struct {
	Passed   bool          `json:"passed"`
	Tag      string        `json:"tag"`
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ActionKind is what the model asked for next.
type ActionKind string

const (
	ActionNarration ActionKind = "narration"
	ActionToolCall  ActionKind = "tool_call"
	ActionFinal     ActionKind = "final"
)

type Action struct {
	Kind  ActionKind `json:"type"`
	Text  string     `json:"text,omitempty"`
	Call  *ToolCall  `json:"call,omitempty"`
	Model string     `json:"model,omitempty"`
}
