package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hub-tools/hub-supervisor/pkg/errors"
	"github.com/hub-tools/hub-supervisor/pkg/logging"
	"github.com/hub-tools/hub-supervisor/pkg/process"
)

// Manager writes and reads PID files under a fixed directory. The supervisor
// records its own PID here so the bootstrap monitor can detect it without any
// shared memory.
type Manager struct {
	dir    string
	logger logging.Logger
}

func NewManager(dir string, logger logging.Logger) *Manager {
	return &Manager{
		dir:    dir,
		logger: logger,
	}
}

// Path returns the PID file path for a named process.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.dir, name+".pid")
}

// Write records pid for name, creating the directory if needed.
func (m *Manager) Write(name string, pid int) error {
	if pid <= 0 {
		return errors.NewValidationError("invalid PID", nil).WithContext("name", name).WithContext("pid", pid)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return errors.NewIOError("failed to create PID file directory", err).WithContext("dir", m.dir)
	}
	path := m.Path(name)
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0o644); err != nil {
		return errors.NewIOError("failed to write PID file", err).WithContext("path", path)
	}
	m.logger.Debugf("PID file written, name: %s, pid: %d, path: %s", name, pid, path)
	return nil
}

// Read returns the PID recorded for name. A missing file is a not_found
// error so callers can distinguish "never started" from a corrupt file.
func (m *Manager) Read(name string) (int, error) {
	path := m.Path(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("PID file does not exist", err).WithContext("path", path)
		}
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("path", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("PID file contains invalid PID", err).WithContext("path", path)
	}
	return pid, nil
}

// Remove deletes the PID file for name. Removing a missing file is not an
// error.
func (m *Manager) Remove(name string) error {
	path := m.Path(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("path", path)
	}
	return nil
}

// ReadLive returns the recorded PID if the process is still running, or 0 if
// there is no live process behind the file.
func (m *Manager) ReadLive(name string) (int, error) {
	pid, err := m.Read(name)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return 0, nil
		}
		return 0, err
	}
	if !process.IsRunning(pid) {
		return 0, nil
	}
	return pid, nil
}

// CleanupStale removes the PID file for name if it points at a process that
// no longer exists. Run on supervisor boot before writing a fresh file.
func (m *Manager) CleanupStale(name string) {
	pid, err := m.Read(name)
	if err != nil {
		if !errors.IsNotFoundError(err) {
			m.logger.Warnf("Removing unreadable PID file, name: %s, error: %v", name, err)
			_ = m.Remove(name)
		}
		return
	}
	if !process.IsRunning(pid) {
		m.logger.Infof("Removing stale PID file, name: %s, pid: %d", name, pid)
		_ = m.Remove(name)
	}
}
