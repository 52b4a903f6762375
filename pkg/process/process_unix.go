//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// setupProcessAttributes puts the child in its own process group so that
// termination signals sent to -pid reach the entire process tree.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// SendTerminationSignal sends SIGTERM to the process group.
func SendTerminationSignal(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// ForceKill sends SIGKILL to the process group.
func ForceKill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// IsRunning reports whether a process with the given PID exists. On Unix,
// FindProcess always succeeds, so existence is probed with signal 0.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errno, ok := err.(syscall.Errno); ok && errno == syscall.EPERM {
		return true
	}
	return false
}
