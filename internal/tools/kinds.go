package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/example/navi/internal/workspace"
)

// Kind is the closed set of tools a model may call.
type Kind string

const (
	KindReadFile   Kind = "read_file"
	KindWriteFile  Kind = "write_file"
	KindRunCommand Kind = "run_command"
	KindSearch     Kind = "search"
)

var kinds = []Kind{KindReadFile, KindWriteFile, KindRunCommand, KindSearch}

// ParseKind maps a tool name from a model to a Kind.
func ParseKind(name string) (Kind, bool) {
	for _, k := range kinds {
		if string(k) == name {
			return k, true
		}
	}
	return "", false
}

type ErrorKind string

const (
	InvalidParameters ErrorKind = "invalid_parameters"
	PermissionDenied  ErrorKind = "permission_denied"
	ExecutionFailed   ErrorKind = "execution_failed"
	Timeout           ErrorKind = "timeout"
)

// Error is the typed failure every tool reports.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err. Untyped errors count as execution failures, and
// deadline errors as timeouts.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, workspace.ErrOutsideRoot) {
		return PermissionDenied
	}
	return ExecutionFailed
}

// Env is what a tool may act on.
type Env struct {
	Workspace workspace.Dir
}

// Output is a tool's payload. Summary is a one-line description for event frames.
type Output struct {
	Text    string
	Summary string
}

type Tool interface {
	Kind() Kind
	Execute(ctx context.Context, env Env, inputs map[string]any) (Output, error)
}

func stringInput(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func requiredString(m map[string]any, key string) (string, error) {
	s, ok := stringInput(m, key)
	if !ok || s == "" {
		return "", newError(InvalidParameters, "%q is required and must be a non-empty string", key)
	}
	return s, nil
}

func intInput(m map[string]any, key string, def int) (int, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n, nil
		}
	}
	return 0, newError(InvalidParameters, "%q must be a number", key)
}

// resolvePath maps a tool path argument into the workspace.
func resolvePath(env Env, p string) (string, error) {
	abs, err := env.Workspace.Resolve(p)
	if err != nil {
		if errors.Is(err, workspace.ErrOutsideRoot) {
			return "", &Error{Kind: PermissionDenied, Err: err}
		}
		return "", &Error{Kind: InvalidParameters, Err: err}
	}
	return abs, nil
}
