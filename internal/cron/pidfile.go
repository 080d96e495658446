package cron

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/nexuscore/autopilot/internal/errs"
)

// isProcessAlive reports whether a process with the given pid currently
// exists, by sending the null signal (0) rather than an actual signal.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// readPIDFile returns the pid recorded at path, or 0 if the file is
// absent or unparsable.
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// writePIDFile writes the current process id to path.
func writePIDFile(path string) error {
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
		return &errs.ConfigError{Op: "cron.write_pid_file", Err: err}
	}
	return nil
}

// checkPIDFileSingleton refuses to proceed if path names a PID file whose
// pid is a live process (Section 4.I step 2).
func checkPIDFileSingleton(path string) error {
	if existing := readPIDFile(path); existing > 0 && isProcessAlive(existing) {
		return &errs.ConfigError{Op: "cron.pid_file_singleton", Err: fmt.Errorf("another instance is running (pid %d)", existing)}
	}
	return nil
}
