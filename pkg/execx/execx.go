// Package execx runs the external enforcement commands (nft,
// unbound-control) with a bounded per-call timeout so a hung binary
// can never stall the sweep timer or a request handler.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner executes one external command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecutionError reports a command that exited non-zero.
type ExecutionError struct {
	Command    string
	ExitStatus int
	Stderr     string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("command %q exited %d: %s", e.Command, e.ExitStatus, strings.TrimSpace(e.Stderr))
}

var ErrTimeout = errors.New("command timed out")

// ExecRunner shells out via os/exec. The zero value uses a 5s timeout.
type ExecRunner struct {
	Timeout time.Duration
}

func NewRunner(timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ExecRunner{Timeout: timeout}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	// #nosec G204 -- name and args come from adapter constants plus validated IPs/domains, never raw request input.
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("%w: %s %s", ErrTimeout, name, strings.Join(args, " "))
	}
	if err != nil {
		exitStatus := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitStatus = exitErr.ExitCode()
		}
		return "", &ExecutionError{
			Command:    name + " " + strings.Join(args, " "),
			ExitStatus: exitStatus,
			Stderr:     stderr.String(),
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}
