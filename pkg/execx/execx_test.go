package execx

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesStdout(t *testing.T) {
	r := NewRunner(5 * time.Second)
	out, err := r.Run(context.Background(), "sh", "-c", "echo hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hello" {
		t.Fatalf("unexpected stdout %q", out)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	r := NewRunner(5 * time.Second)
	_, err := r.Run(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if execErr.ExitStatus != 3 {
		t.Fatalf("unexpected exit status %d", execErr.ExitStatus)
	}
	if !strings.Contains(execErr.Stderr, "boom") {
		t.Fatalf("expected stderr captured, got %q", execErr.Stderr)
	}
}

func TestRunTimeout(t *testing.T) {
	r := NewRunner(50 * time.Millisecond)
	_, err := r.Run(context.Background(), "sleep", "2")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestZeroValueTimeoutDefault(t *testing.T) {
	r := &ExecRunner{}
	out, err := r.Run(context.Background(), "sh", "-c", "echo ok")
	if err != nil || out != "ok" {
		t.Fatalf("unexpected result: %q %v", out, err)
	}
}
