package process

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hub-tools/hub-supervisor/pkg/errors"
	"github.com/hub-tools/hub-supervisor/pkg/logging"
	"github.com/hub-tools/hub-supervisor/pkg/units"
)

const forceKillWait = 5 * time.Second

// Handle tracks a child process spawned by the Runner for the life of the
// process. Done() is closed (with the wait error) once the child exits.
type Handle struct {
	process *os.Process
	done    chan error
	logFile *os.File
}

func (h *Handle) PID() int {
	return h.process.Pid
}

func (h *Handle) Done() <-chan error {
	return h.done
}

// Runner starts and stops managed unit processes. Child stdout and stderr
// are appended to a per-unit log file under the runner's log directory.
type Runner struct {
	logDir string
	logger logging.Logger
}

func NewRunner(logDir string, logger logging.Logger) *Runner {
	return &Runner{
		logDir: logDir,
		logger: logger,
	}
}

// Start launches a unit in the foreground of its own process group. If port
// is non-nil it is appended as the sole extra argument, per the managed-unit
// contract. extraEnv entries are appended to the inherited environment.
func (r *Runner) Start(ctx context.Context, unit units.Unit, port *int, extraEnv []string) (*Handle, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context cannot be nil", nil).WithContext("unit", unit.Name)
	}
	if err := units.ValidateUnit(unit); err != nil {
		return nil, errors.NewValidationError("invalid unit", err).WithContext("unit", unit.Name)
	}

	argv := make([]string, len(unit.Command))
	copy(argv, unit.Command)
	if port != nil {
		argv = append(argv, strconv.Itoa(*port))
	}

	logFile, err := r.openLogFile(unit.Name)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = unit.Dir
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	// New process group so stop signals reach the whole process tree.
	setupProcessAttributes(cmd)

	r.logger.Debugf("Starting unit process, unit: %s, argv: %v, dir: %s", unit.Name, argv, unit.Dir)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, errors.NewProcessError("failed to start unit process", err).WithContext("unit", unit.Name).WithContext("command", argv[0])
	}

	r.logger.Infof("Unit process started, unit: %s, PID: %d", unit.Name, cmd.Process.Pid)

	handle := &Handle{
		process: cmd.Process,
		done:    make(chan error, 1),
		logFile: logFile,
	}
	go func() {
		handle.done <- cmd.Wait()
		logFile.Close()
	}()

	return handle, nil
}

// Stop terminates a child with the escalating sequence: termination signal to
// the process group, wait up to graceTimeout, then force kill.
func (r *Runner) Stop(ctx context.Context, handle *Handle, graceTimeout time.Duration) error {
	if handle == nil {
		return errors.NewValidationError("handle cannot be nil", nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if graceTimeout <= 0 {
		graceTimeout = 10 * time.Second
	}

	pid := handle.PID()

	r.logger.Infof("Stopping unit process, PID: %d, grace: %v", pid, graceTimeout)

	if err := SendTerminationSignal(pid); err != nil {
		r.logger.Warnf("Failed to send termination signal, PID: %d, error: %v", pid, err)
	}

	select {
	case err := <-handle.done:
		return waitResult(pid, err)
	case <-time.After(graceTimeout):
		r.logger.Warnf("Process did not stop within %v, force killing, PID: %d", graceTimeout, pid)
	case <-ctx.Done():
		r.logger.Warnf("Context cancelled during graceful stop, force killing, PID: %d", pid)
	}

	if err := ForceKill(pid); err != nil {
		return errors.NewProcessError("failed to force kill process", err).WithContext("pid", pid)
	}

	select {
	case err := <-handle.done:
		return waitResult(pid, err)
	case <-time.After(forceKillWait):
		return errors.NewTimeoutError("process did not exit after force kill", nil).WithContext("pid", pid)
	}
}

func waitResult(pid int, err error) error {
	if err != nil {
		// An exit triggered by our own signal is the expected outcome of a
		// stop, not a failure.
		if _, ok := err.(*exec.ExitError); ok {
			return nil
		}
		return errors.NewProcessError("process wait failed", err).WithContext("pid", pid)
	}
	return nil
}

func (r *Runner) openLogFile(name string) (*os.File, error) {
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return nil, errors.NewIOError("failed to create log directory", err).WithContext("dir", r.logDir)
	}
	path := filepath.Join(r.logDir, name+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.NewIOError("failed to open unit log file", err).WithContext("path", path)
	}
	return file, nil
}

// StopPID terminates a process the caller did not spawn, polling process
// existence instead of waiting on a handle. Used by the bootstrap monitor.
func StopPID(pid int, graceTimeout time.Duration, logger logging.Logger) error {
	if pid <= 0 {
		return errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}
	if graceTimeout <= 0 {
		graceTimeout = 10 * time.Second
	}

	if err := SendTerminationSignal(pid); err != nil {
		logger.Warnf("Failed to send termination signal, PID: %d, error: %v", pid, err)
	}

	deadline := time.Now().Add(graceTimeout)
	for time.Now().Before(deadline) {
		if !IsRunning(pid) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	logger.Warnf("Process did not stop within %v, force killing, PID: %d", graceTimeout, pid)
	if err := ForceKill(pid); err != nil {
		return errors.NewProcessError("failed to force kill process", err).WithContext("pid", pid)
	}

	deadline = time.Now().Add(forceKillWait)
	for time.Now().Before(deadline) {
		if !IsRunning(pid) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return errors.NewTimeoutError("process did not exit after force kill", nil).WithContext("pid", pid)
}
