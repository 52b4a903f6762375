package processfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hub-tools/hub-supervisor/pkg/errors"
	"github.com/hub-tools/hub-supervisor/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logging.Logger {
	return logging.NewLogger("", logging.LogFuncs{})
}

func createTestManager(t *testing.T) *Manager {
	return NewManager(filepath.Join(t.TempDir(), "run"), testLogger())
}

func TestWriteAndRead(t *testing.T) {
	manager := createTestManager(t)

	require.NoError(t, manager.Write("supervisord", 12345))

	pid, err := manager.Read("supervisord")
	require.NoError(t, err)
	assert.Equal(t, 12345, pid)
}

func TestWriteRejectsInvalidPID(t *testing.T) {
	manager := createTestManager(t)
	assert.Error(t, manager.Write("supervisord", 0))
	assert.Error(t, manager.Write("supervisord", -1))
}

func TestReadMissingFile(t *testing.T) {
	manager := createTestManager(t)

	_, err := manager.Read("supervisord")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestReadCorruptFile(t *testing.T) {
	manager := createTestManager(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(manager.Path("supervisord")), 0o755))
	require.NoError(t, os.WriteFile(manager.Path("supervisord"), []byte("not-a-pid"), 0o644))

	_, err := manager.Read("supervisord")
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestRemoveMissingIsNotAnError(t *testing.T) {
	manager := createTestManager(t)
	assert.NoError(t, manager.Remove("supervisord"))
}

func TestReadLive(t *testing.T) {
	manager := createTestManager(t)

	// No file at all
	pid, err := manager.ReadLive("supervisord")
	require.NoError(t, err)
	assert.Equal(t, 0, pid)

	// Our own process is definitely running
	require.NoError(t, manager.Write("supervisord", os.Getpid()))
	pid, err = manager.ReadLive("supervisord")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestCleanupStaleRemovesDeadEntries(t *testing.T) {
	manager := createTestManager(t)

	// A PID far beyond any plausible live process
	require.NoError(t, manager.Write("supervisord", 1<<22-1))
	manager.CleanupStale("supervisord")

	_, err := manager.Read("supervisord")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestCleanupStaleKeepsLiveEntries(t *testing.T) {
	manager := createTestManager(t)

	require.NoError(t, manager.Write("supervisord", os.Getpid()))
	manager.CleanupStale("supervisord")

	pid, err := manager.Read("supervisord")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
