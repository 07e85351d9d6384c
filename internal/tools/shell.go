package tools

import (
	"context"
	"errors"
	"os/exec"
	"time"
)

const defaultMaxOutputBytes = 64 << 10

// CommandResult is the outcome of one shell command.
type CommandResult struct {
	ExitCode  int
	Output    string
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
}

// RunShell runs command with "sh -c" in dir, combining stdout and stderr and
// keeping only the last maxOutput bytes. A non-zero exit is not an error; err
// is set only when the command could not be run or ctx was cancelled.
func RunShell(ctx context.Context, dir, command string, timeout time.Duration, maxOutput int) (CommandResult, error) {
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = dir
	buf := &tailBuffer{max: maxOutput}
	cmd.Stdout = buf
	cmd.Stderr = buf
	setProcessGroup(cmd)
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err := cmd.Run()
	out := buf.String()
	res := CommandResult{Duration: time.Since(start), Output: out, Truncated: buf.dropped}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max     int
	buf     []byte
	dropped bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > 2*b.max {
		b.buf = append(b.buf[:0], b.buf[len(b.buf)-b.max:]...)
		b.dropped = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	if len(b.buf) > b.max {
		b.dropped = true
		return string(b.buf[len(b.buf)-b.max:])
	}
	return string(b.buf)
}
