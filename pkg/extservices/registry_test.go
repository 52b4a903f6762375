package extservices

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/hub-tools/hub-supervisor/pkg/errors"
	"github.com/hub-tools/hub-supervisor/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logging.Logger {
	return logging.NewLogger("", logging.LogFuncs{})
}

func skipWithoutShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on unix shell commands")
	}
}

func createTestRegistry(t *testing.T) *Registry {
	registry, err := LoadRegistry(filepath.Join(t.TempDir(), "services.json"), testLogger())
	require.NoError(t, err)
	return registry
}

func TestLoadRegistryMissingFile(t *testing.T) {
	registry := createTestRegistry(t)
	assert.Empty(t, registry.List())
}

func TestLoadRegistryCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	_, err := LoadRegistry(path, testLogger())
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))
}

func TestDefinePersistsRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.json")
	registry, err := LoadRegistry(path, testLogger())
	require.NoError(t, err)

	require.NoError(t, registry.Define(Service{
		Name: "postgres",
		Commands: Commands{
			Start: CommandSpec{Command: []string{"true"}},
		},
	}))
	assert.Error(t, registry.Define(Service{}))

	reloaded, err := LoadRegistry(path, testLogger())
	require.NoError(t, err)
	services := reloaded.List()
	require.Len(t, services, 1)
	assert.Equal(t, "postgres", services[0].Name)
	assert.False(t, services[0].Installed)
}

func TestStatusNeverProbesNotInstalled(t *testing.T) {
	registry := createTestRegistry(t)
	require.NoError(t, registry.Define(Service{
		Name: "postgres",
		Commands: Commands{
			// A health check that would succeed if it were ever run
			HealthCheck: CommandSpec{Command: []string{"true"}},
		},
	}))

	status, err := registry.Status(context.Background(), "postgres")
	require.NoError(t, err)
	assert.Equal(t, StatusNotInstalled, status)

	_, err = registry.Status(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStartRefusedForNotInstalled(t *testing.T) {
	registry := createTestRegistry(t)
	require.NoError(t, registry.Define(Service{
		Name:     "postgres",
		Commands: Commands{Start: CommandSpec{Command: []string{"true"}}},
	}))

	err := registry.Start(context.Background(), "postgres")
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestInstallAndStatus(t *testing.T) {
	skipWithoutShell(t)
	registry := createTestRegistry(t)
	require.NoError(t, registry.Define(Service{
		Name: "postgres",
		Commands: Commands{
			Install:     CommandSpec{Command: []string{"true"}},
			HealthCheck: CommandSpec{Command: []string{"true"}},
			Start:       CommandSpec{Command: []string{"true"}},
			Stop:        CommandSpec{Command: []string{"true"}},
		},
	}))

	require.NoError(t, registry.Install(context.Background(), "postgres"))

	status, err := registry.Status(context.Background(), "postgres")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)

	require.NoError(t, registry.Start(context.Background(), "postgres"))
	require.NoError(t, registry.Stop(context.Background(), "postgres"))
}

func TestStatusStoppedWhenHealthCheckFails(t *testing.T) {
	skipWithoutShell(t)
	registry := createTestRegistry(t)
	require.NoError(t, registry.Define(Service{
		Name:      "postgres",
		Installed: true,
		Commands: Commands{
			HealthCheck: CommandSpec{Command: []string{"false"}},
		},
	}))

	status, err := registry.Status(context.Background(), "postgres")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, status)
}

func TestExpectMatchChecksOutput(t *testing.T) {
	skipWithoutShell(t)
	registry := createTestRegistry(t)
	require.NoError(t, registry.Define(Service{
		Name:      "postgres",
		Installed: true,
		Commands: Commands{
			HealthCheck: CommandSpec{
				Command:     []string{"echo", "status: running"},
				ExpectMatch: "running",
			},
			Start: CommandSpec{
				Command:     []string{"echo", "status: stopped"},
				ExpectMatch: "running",
			},
		},
	}))

	status, err := registry.Status(context.Background(), "postgres")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)

	// Output without the expected substring counts as failure
	err = registry.Start(context.Background(), "postgres")
	require.Error(t, err)
	assert.True(t, errors.IsProcessError(err))
}

func TestUninstallMarksNotInstalled(t *testing.T) {
	skipWithoutShell(t)
	registry := createTestRegistry(t)
	require.NoError(t, registry.Define(Service{
		Name:      "postgres",
		Installed: true,
		Commands: Commands{
			Stop: CommandSpec{Command: []string{"true"}},
		},
	}))

	require.NoError(t, registry.Uninstall(context.Background(), "postgres"))

	status, err := registry.Status(context.Background(), "postgres")
	require.NoError(t, err)
	assert.Equal(t, StatusNotInstalled, status)
}
