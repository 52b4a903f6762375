package process

import (
	"os"
	"os/exec"

	"github.com/hub-tools/hub-supervisor/pkg/errors"
)

// StartDetached launches a command in its own process group with output
// appended to logPath, without tracking its lifetime. Used for the two
// hand-off points where the caller exits immediately afterwards: the
// supervisor spawning the update queue applier, and the applier re-invoking
// the bootstrap entry point.
func StartDetached(command []string, logPath string) (int, error) {
	if len(command) == 0 {
		return 0, errors.NewValidationError("command cannot be empty", nil)
	}

	var logFile *os.File
	if logPath != "" {
		var err error
		logFile, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, errors.NewIOError("failed to open detached process log file", err).WithContext("path", logPath)
		}
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setupProcessAttributes(cmd)

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return 0, errors.NewProcessError("failed to start detached process", err).WithContext("command", command[0])
	}

	pid := cmd.Process.Pid

	// Reap the child when it eventually exits so it does not linger as a
	// zombie if this process happens to outlive it.
	go func() {
		_ = cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
	}()

	return pid, nil
}
