package bootstrap

import (
	"testing"
	"time"

	"github.com/hub-tools/hub-supervisor/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logging.Logger {
	return logging.NewLogger("", logging.LogFuncs{})
}

func validOptions(t *testing.T) Options {
	return Options{
		SupervisorCommand: []string{"sleep", "60"},
		RunDir:            t.TempDir(),
		HealthURL:         "http://127.0.0.1:4700/healthz",
	}
}

func TestNewMonitorValidation(t *testing.T) {
	_, err := NewMonitor(validOptions(t), testLogger())
	assert.NoError(t, err)

	noCommand := validOptions(t)
	noCommand.SupervisorCommand = nil
	_, err = NewMonitor(noCommand, testLogger())
	assert.Error(t, err)

	noRunDir := validOptions(t)
	noRunDir.RunDir = ""
	_, err = NewMonitor(noRunDir, testLogger())
	assert.Error(t, err)

	noHealthURL := validOptions(t)
	noHealthURL.HealthURL = ""
	_, err = NewMonitor(noHealthURL, testLogger())
	assert.Error(t, err)
}

func TestNewMonitorAppliesDefaults(t *testing.T) {
	m, err := NewMonitor(validOptions(t), testLogger())
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, m.options.Interval)
	assert.Equal(t, 3, m.options.FailureLimit)
	assert.Equal(t, 15*time.Second, m.options.SpawnWait)
	assert.Equal(t, "supervisord", m.options.SupervisorPIDName)
	assert.Equal(t, StateSupervisorMissing, m.state)
}

func TestHealthURLFor(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:4700/healthz", HealthURLFor(4700))
}
