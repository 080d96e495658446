package cron

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

// ShellCheckRunner executes a schedule's check script via the system
// shell, capturing stdout/stderr and the exit code within a timeout.
type ShellCheckRunner struct{}

// RunCheck implements CheckRunner.
func (ShellCheckRunner) RunCheck(ctx context.Context, script string, timeout time.Duration) (exitCode int, stdout, stderr string, timedOut bool) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", script)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	stdout = outBuf.String()
	stderr = errBuf.String()

	if runCtx.Err() == context.DeadlineExceeded {
		return -1, stdout, stderr, true
	}
	if err == nil {
		return 0, stdout, stderr, false
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), stdout, stderr, false
	}
	return -1, stdout, stderr, false
}
