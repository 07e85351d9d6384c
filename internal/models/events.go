package models

type EventType string

const (
	EventStatus       EventType = "status"
	EventText         EventType = "text"
	EventToolCall     EventType = "tool_call"
	EventToolResult   EventType = "tool_result"
	EventVerification EventType = "verification"
	EventIteration    EventType = "iteration"
	EventComplete     EventType = "complete"
	EventError        EventType = "error"
)

// Terminal reports whether an event ends a task's stream.
func (t EventType) Terminal() bool { return t == EventComplete || t == EventError }

// Event is one frame of a task's stream. Exactly one of the payload fields is
// set, matching Type.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id"`
	Seq    int       `json:"seq"`

	Phase   Status         `json:"phase,omitempty"`
	Text    string         `json:"text,omitempty"`
	Name    string         `json:"name,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
	Summary string         `json:"summary,omitempty"`
	Status  string         `json:"status,omitempty"`
	Message string         `json:"message,omitempty"`
	Current int            `json:"current,omitempty"`
	Max     int            `json:"max,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Success *bool          `json:"success,omitempty"`
}

// Payload returns the frame body as sent on the wire, without envelope fields.
func (e Event) Payload() map[string]any {
	switch e.Type {
	case EventStatus:
		return map[string]any{"phase": e.Phase}
	case EventText:
		return map[string]any{"narration": e.Text}
	case EventToolCall:
		return map[string]any{"name": e.Name, "input": e.Input}
	case EventToolResult:
		return map[string]any{"name": e.Name, "summary": e.Summary}
	case EventVerification:
		return map[string]any{"status": e.Status, "message": e.Message}
	case EventIteration:
		return map[string]any{"current": e.Current, "max": e.Max, "reason": e.Reason}
	case EventComplete:
		ok := e.Success != nil && *e.Success
		return map[string]any{"summary": e.Summary, "success": ok}
	case EventError:
		return map[string]any{"message": e.Message}
	}
	return map[string]any{}
}
