package tools

import (
	"context"
	"time"
)

// Runner executes a shell command with dir as its working directory. A
// non-zero exit is reported in the result, not as an error.
type Runner interface {
	Run(ctx context.Context, dir, command string, timeout time.Duration, maxOutput int) (CommandResult, error)
}

// HostRunner runs commands on the host with sh -c.
type HostRunner struct{}

func (HostRunner) Run(ctx context.Context, dir, command string, timeout time.Duration, maxOutput int) (CommandResult, error) {
	return RunShell(ctx, dir, command, timeout, maxOutput)
}
