package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TimeoutRange bounds a command: Default applies when the caller gives no
// timeout, Max caps what it may ask for.
type TimeoutRange struct {
	Default time.Duration
	Max     time.Duration
}

var defaultDenied = []string{
	`\bsudo\b`,
	`\brm\s+-[a-zA-Z]*r[a-zA-Z]*f?\s+(/|~|\$HOME)(\s|$)`,
	`\bmkfs(\.\w+)?\b`,
	`\bdd\s+if=`,
	`\b(shutdown|reboot|halt|poweroff)\b`,
	`:\(\)\s*\{`,
	`\b(curl|wget)\b[^|]*\|\s*(sh|bash)\b`,
	`\bchmod\s+-R\s+777\s+/`,
}

// RunCommand runs a shell command in the workspace root.
// Inputs:
//   - command: string (required)
//   - timeout_ms: number (optional)
//
// A non-zero exit is an execution failure whose output is still returned.
// Commands that name paths outside the root are refused before they run.
type RunCommand struct {
	timeouts  TimeoutRange
	maxOutput int
	denied    []*regexp.Regexp
	runner    Runner
}

// NewRunCommand compiles the deny-list. Invalid patterns are skipped. A nil
// runner runs commands on the host.
func NewRunCommand(runner Runner, timeouts TimeoutRange, maxOutput int, denied []string) *RunCommand {
	if runner == nil {
		runner = HostRunner{}
	}
	if timeouts.Default <= 0 {
		timeouts.Default = time.Minute
	}
	if timeouts.Max < timeouts.Default {
		timeouts.Max = 10 * time.Minute
		if timeouts.Max < timeouts.Default {
			timeouts.Max = timeouts.Default
		}
	}
	t := &RunCommand{timeouts: timeouts, maxOutput: maxOutput, runner: runner}
	for _, p := range append(append([]string(nil), defaultDenied...), denied...) {
		if re, err := regexp.Compile(p); err == nil {
			t.denied = append(t.denied, re)
		}
	}
	return t
}

func (t *RunCommand) Kind() Kind { return KindRunCommand }

func (t *RunCommand) Execute(ctx context.Context, env Env, inputs map[string]any) (Output, error) {
	command, err := requiredString(inputs, "command")
	if err != nil {
		return Output{}, err
	}
	ms, err := intInput(inputs, "timeout_ms", int(t.timeouts.Default/time.Millisecond))
	if err != nil {
		return Output{}, err
	}
	if ms <= 0 {
		return Output{}, newError(InvalidParameters, "timeout_ms must be positive")
	}
	timeout := time.Duration(ms) * time.Millisecond
	if timeout > t.timeouts.Max {
		timeout = t.timeouts.Max
	}
	for _, re := range t.denied {
		if re.MatchString(command) {
			return Output{}, newError(PermissionDenied, "command matches deny-list pattern %q", re.String())
		}
	}

	if err := Confine(env.Workspace, command); err != nil {
		return Output{}, err
	}

	res, err := t.runner.Run(ctx, env.Workspace.Root, command, timeout, t.maxOutput)
	if err != nil {
		return Output{Text: res.Output}, err
	}
	short := firstLineOf(command, 60)
	switch {
	case res.TimedOut:
		return Output{Text: res.Output}, newError(Timeout, "command timed out after %s", timeout)
	case res.ExitCode != 0:
		return Output{Text: res.Output}, newError(ExecutionFailed, "command exited with status %d", res.ExitCode)
	}
	return Output{
		Text:    res.Output,
		Summary: fmt.Sprintf("ran %q: exit 0 in %s", short, res.Duration.Round(time.Millisecond)),
	}, nil
}

func firstLineOf(s string, n int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i != -1 {
		s = s[:i] + " ..."
	}
	if r := []rune(s); len(r) > n {
		s = string(r[:n]) + "..."
	}
	return s
}
