package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/navi/internal/metrics"
	"github.com/example/navi/internal/models"
	"github.com/example/navi/internal/tools"
	"github.com/example/navi/internal/workspace"
)

const (
	TagPass    = "pass"
	TagFail    = "fail"
	TagTimeout = "timeout"
	TagError   = "error"
)

type Verifier interface {
	Verify(ctx context.Context, command string, ws workspace.Dir) (models.VerificationResult, error)
}

// CommandVerifier runs a shell command in the workspace; exit status 0 passes.
// The command is held to the same workspace confinement as run_command.
// The error return is reserved for cancellation of ctx.
type CommandVerifier struct {
	Timeout time.Duration
	// MaxOutput bounds the diagnostic kept from the end of the output.
	MaxOutput int
	// Runner executes the command; nil runs it on the host.
	Runner tools.Runner
}

func (v *CommandVerifier) Verify(ctx context.Context, command string, ws workspace.Dir) (models.VerificationResult, error) {
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	maxOut := v.MaxOutput
	if maxOut <= 0 {
		maxOut = 8 << 10
	}
	res := models.VerificationResult{Command: command}
	if strings.TrimSpace(command) == "" {
		res.Tag = TagError
		res.ExitCode = -1
		res.Output = "no verification command configured"
		return res, nil
	}

	if err := tools.Confine(ws, command); err != nil {
		res.Tag = TagError
		res.ExitCode = -1
		res.Output = fmt.Sprintf("verification command refused: %v", err)
		metrics.Verified(ctx, res.Tag)
		return res, nil
	}

	runner := v.Runner
	if runner == nil {
		runner = tools.HostRunner{}
	}
	out, err := runner.Run(ctx, ws.Root, command, timeout, maxOut)
	res.Output = out.Output
	res.ExitCode = out.ExitCode
	res.Duration = out.Duration
	switch {
	case err != nil && ctx.Err() != nil:
		return res, ctx.Err()
	case err != nil:
		res.Tag = TagError
		res.ExitCode = -1
		res.Output = fmt.Sprintf("could not run verification: %v", err)
	case out.TimedOut:
		res.Tag = TagTimeout
		res.Output = fmt.Sprintf("verification timed out after %s\n%s", timeout, out.Output)
	case out.ExitCode == 0:
		res.Tag = TagPass
		res.Passed = true
	default:
		res.Tag = TagFail
	}
	metrics.Verified(ctx, res.Tag)
	return res, nil
}

// Diagnostic renders a result as a one-line status message.
func Diagnostic(r models.VerificationResult) string {
	switch r.Tag {
	case TagPass:
		return fmt.Sprintf("%q passed in %s", r.Command, r.Duration.Round(time.Millisecond))
	case TagTimeout:
		return fmt.Sprintf("%q timed out", r.Command)
	case TagError:
		return fmt.Sprintf("%q could not run: %s", r.Command, firstLine(r.Output))
	}
	return fmt.Sprintf("%q failed with exit code %d: %s", r.Command, r.ExitCode, lastLine(r.Output))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i != -1 {
		return s[:i]
	}
	return s
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i != -1 {
		return s[i+1:]
	}
	return s
}
