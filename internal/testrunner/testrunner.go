// Package testrunner implements the External Test Runner opaque service of
// spec.md §6: invoked once after a task reaches terminal success on a
// non-chat task, it runs a configured shell command in the task's cwd and
// reports pass/fail plus captured output.
//
// Grounded on internal/quality/runner.go's executeCommand: sh -c, a
// per-run context timeout, and combined stdout+stderr capture — adapted
// from a multi-gate parallel runner into the single default command the
// core's TestRunner interface expects.
package testrunner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// DefaultTimeout bounds one test run, mirroring the teacher's per-gate
// default.
const DefaultTimeout = 10 * time.Minute

// ShellRunner runs a single configured shell command as the test suite.
// It implements taskexec.TestRunner structurally.
type ShellRunner struct {
	Command string
	Timeout time.Duration
}

// New constructs a ShellRunner. An empty timeout falls back to
// DefaultTimeout.
func New(command string, timeout time.Duration) *ShellRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ShellRunner{Command: command, Timeout: timeout}
}

// Run executes the configured command in cwd via "sh -c", matching the
// teacher's approach so pipes/redirects in the configured command work
// unmodified. A nonzero exit code is a failed test run, not a Go error —
// only a context timeout or failure to start the shell itself is
// returned as an error.
func (r *ShellRunner) Run(ctx context.Context, cwd string) (passed bool, output string, err error) {
	if r.Command == "" {
		return true, "no test command configured", nil
	}

	runCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", r.Command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	combined := stdout.String()
	if stderr.Len() > 0 {
		combined += "\n" + stderr.String()
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return false, combined, fmt.Errorf("test command timed out after %s", r.Timeout)
	}

	if runErr == nil {
		return true, combined, nil
	}
	if _, ok := runErr.(*exec.ExitError); ok {
		return false, combined, nil
	}
	return false, combined, fmt.Errorf("run test command: %w", runErr)
}
