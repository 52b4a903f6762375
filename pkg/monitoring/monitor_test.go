package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hub-tools/hub-supervisor/pkg/errors"
	"github.com/hub-tools/hub-supervisor/pkg/units"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockLogger is a mock implementation of Logger for testing
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}

func createMockLogger() *MockLogger {
	logger := &MockLogger{}
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Infof", mock.Anything, mock.Anything).Maybe()
	logger.On("Warnf", mock.Anything, mock.Anything).Maybe()
	logger.On("Errorf", mock.Anything, mock.Anything).Maybe()
	return logger
}

// callbackRecorder counts lifecycle callback invocations.
type callbackRecorder struct {
	mutex      sync.Mutex
	restarts   int
	stops      int
	restartErr error
}

func (c *callbackRecorder) callbacks() Callbacks {
	return Callbacks{
		Restart: func(ctx context.Context, name string) error {
			c.mutex.Lock()
			defer c.mutex.Unlock()
			c.restarts++
			return c.restartErr
		},
		Stop: func(ctx context.Context, name string) error {
			c.mutex.Lock()
			defer c.mutex.Unlock()
			c.stops++
			return nil
		},
	}
}

func (c *callbackRecorder) restartCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.restarts
}

func (c *callbackRecorder) stopCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.stops
}

func createTestMonitor(t *testing.T, recorder *callbackRecorder) *Monitor {
	options := DefaultOptions()
	options.FailureThreshold = 2
	options.RestartBudget = 2
	return NewMonitor(options, recorder.callbacks(), createMockLogger())
}

func failOnce(m *Monitor, name string) {
	m.mutex.Lock()
	unit := m.unitsMap[name]
	m.mutex.Unlock()
	m.recordFailure(context.Background(), unit, "connection refused")
}

func succeedOnce(m *Monitor, name string) {
	m.mutex.Lock()
	unit := m.unitsMap[name]
	m.mutex.Unlock()
	m.recordSuccess(unit)
}

func waitForStatus(t *testing.T, m *Monitor, name string, expected UnitStatus) {
	require.Eventually(t, func() bool {
		status, err := m.Status(name)
		return err == nil && status == expected
	}, 2*time.Second, 10*time.Millisecond, "unit %s never reached %s", name, expected)
}

func trackTestUnit(m *Monitor, name string, policy units.RestartPolicy) {
	port := 8100
	m.Track(name, &port, "/health", policy)
}

func TestValidateOptions(t *testing.T) {
	assert.NoError(t, ValidateOptions(DefaultOptions()))

	invalid := DefaultOptions()
	invalid.Interval = 0
	assert.Error(t, ValidateOptions(invalid))

	invalid = DefaultOptions()
	invalid.Timeout = invalid.Interval
	assert.Error(t, ValidateOptions(invalid))

	invalid = DefaultOptions()
	invalid.FailureThreshold = 0
	assert.Error(t, ValidateOptions(invalid))

	invalid = DefaultOptions()
	invalid.RestartBudget = 0
	assert.Error(t, ValidateOptions(invalid))
}

func TestTrackStartsOptimisticallyHealthy(t *testing.T) {
	m := createTestMonitor(t, &callbackRecorder{})
	trackTestUnit(m, "alpha-api", units.RestartAlways)

	status, err := m.Status("alpha-api")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, status)
}

func TestSingleFailureIsUnhealthyOnly(t *testing.T) {
	recorder := &callbackRecorder{}
	m := createTestMonitor(t, recorder)
	trackTestUnit(m, "alpha-api", units.RestartAlways)

	failOnce(m, "alpha-api")

	status, err := m.Status("alpha-api")
	require.NoError(t, err)
	assert.Equal(t, StatusUnhealthy, status)
	assert.Equal(t, 0, recorder.restartCount())
}

func TestThresholdTriggersRestart(t *testing.T) {
	recorder := &callbackRecorder{}
	m := createTestMonitor(t, recorder)
	trackTestUnit(m, "alpha-api", units.RestartAlways)

	failOnce(m, "alpha-api")
	failOnce(m, "alpha-api")

	waitForStatus(t, m, "alpha-api", StatusHealthy)
	assert.Equal(t, 1, recorder.restartCount())

	// Failure counter was reset by the restart
	snapshot := m.Snapshot()
	assert.Equal(t, 0, snapshot["alpha-api"].Failures)
	assert.Equal(t, 1, snapshot["alpha-api"].Restarts)
}

func TestRestartBudgetExhaustionStopsUnit(t *testing.T) {
	recorder := &callbackRecorder{}
	m := createTestMonitor(t, recorder)
	trackTestUnit(m, "alpha-api", units.RestartAlways)

	// First cycle: two failures, one restart
	failOnce(m, "alpha-api")
	failOnce(m, "alpha-api")
	waitForStatus(t, m, "alpha-api", StatusHealthy)

	// Second cycle: the budget of 2 is now spent, the unit is stopped
	failOnce(m, "alpha-api")
	failOnce(m, "alpha-api")
	waitForStatus(t, m, "alpha-api", StatusFailed)

	assert.Equal(t, 1, recorder.restartCount())
	assert.Equal(t, 1, recorder.stopCount())
}

func TestSuccessResetsBothCounters(t *testing.T) {
	recorder := &callbackRecorder{}
	m := createTestMonitor(t, recorder)
	trackTestUnit(m, "alpha-api", units.RestartAlways)

	failOnce(m, "alpha-api")
	failOnce(m, "alpha-api")
	waitForStatus(t, m, "alpha-api", StatusHealthy)

	succeedOnce(m, "alpha-api")

	snapshot := m.Snapshot()
	assert.Equal(t, 0, snapshot["alpha-api"].Failures)
	assert.Equal(t, 0, snapshot["alpha-api"].Restarts)

	// With counters cleared the unit has a fresh restart budget again
	failOnce(m, "alpha-api")
	failOnce(m, "alpha-api")
	waitForStatus(t, m, "alpha-api", StatusHealthy)
	assert.Equal(t, 2, recorder.restartCount())
	assert.Equal(t, 0, recorder.stopCount())
}

func TestRestartNeverPolicyOnlyRecords(t *testing.T) {
	recorder := &callbackRecorder{}
	m := createTestMonitor(t, recorder)
	trackTestUnit(m, "alpha-job", units.RestartNever)

	for i := 0; i < 5; i++ {
		failOnce(m, "alpha-job")
	}

	status, err := m.Status("alpha-job")
	require.NoError(t, err)
	assert.Equal(t, StatusUnhealthy, status)
	assert.Equal(t, 0, recorder.restartCount())
	assert.Equal(t, 0, recorder.stopCount())
}

func TestFailedRestartMarksUnitFailed(t *testing.T) {
	recorder := &callbackRecorder{restartErr: errors.NewProcessError("spawn failed", nil)}
	m := createTestMonitor(t, recorder)
	trackTestUnit(m, "alpha-api", units.RestartAlways)

	failOnce(m, "alpha-api")
	failOnce(m, "alpha-api")

	waitForStatus(t, m, "alpha-api", StatusFailed)
}

func TestManualRestartResetsFromFailed(t *testing.T) {
	recorder := &callbackRecorder{}
	m := createTestMonitor(t, recorder)
	trackTestUnit(m, "alpha-api", units.RestartAlways)

	// Drive the unit to the terminal failed state
	failOnce(m, "alpha-api")
	failOnce(m, "alpha-api")
	waitForStatus(t, m, "alpha-api", StatusHealthy)
	failOnce(m, "alpha-api")
	failOnce(m, "alpha-api")
	waitForStatus(t, m, "alpha-api", StatusFailed)

	require.NoError(t, m.ManualRestart(context.Background(), "alpha-api"))

	status, err := m.Status("alpha-api")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, status)

	snapshot := m.Snapshot()
	assert.Equal(t, 0, snapshot["alpha-api"].Failures)
	assert.Equal(t, 0, snapshot["alpha-api"].Restarts)
}

func TestManualRestartUnknownUnit(t *testing.T) {
	m := createTestMonitor(t, &callbackRecorder{})

	err := m.ManualRestart(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestForgetStopsTracking(t *testing.T) {
	m := createTestMonitor(t, &callbackRecorder{})
	trackTestUnit(m, "alpha-api", units.RestartAlways)

	m.Forget("alpha-api")

	_, err := m.Status("alpha-api")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestMonitorPollsEndpoint(t *testing.T) {
	var hits int
	var hitsMutex sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsMutex.Lock()
		hits++
		hitsMutex.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	recorder := &callbackRecorder{}
	m := NewMonitor(Options{
		Interval:         50 * time.Millisecond,
		Timeout:          20 * time.Millisecond,
		FailureThreshold: 2,
		RestartBudget:    2,
	}, recorder.callbacks(), createMockLogger())

	m.mutex.Lock()
	m.unitsMap["alpha-api"] = &unitHealth{
		name:   "alpha-api",
		url:    server.URL + "/health",
		policy: units.RestartAlways,
		status: StatusHealthy,
	}
	m.mutex.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))

	require.Eventually(t, func() bool {
		hitsMutex.Lock()
		defer hitsMutex.Unlock()
		return hits >= 2
	}, 2*time.Second, 10*time.Millisecond)

	m.Stop()

	status, err := m.Status("alpha-api")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, status)
}

func TestMonitorRestartsFailingEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	recorder := &callbackRecorder{}
	m := NewMonitor(Options{
		Interval:         50 * time.Millisecond,
		Timeout:          20 * time.Millisecond,
		FailureThreshold: 2,
		RestartBudget:    2,
	}, recorder.callbacks(), createMockLogger())

	m.mutex.Lock()
	m.unitsMap["alpha-api"] = &unitHealth{
		name:   "alpha-api",
		url:    server.URL + "/health",
		policy: units.RestartAlways,
		status: StatusHealthy,
	}
	m.mutex.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))

	require.Eventually(t, func() bool {
		return recorder.restartCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	m.Stop()
}

func TestUnitsWithoutHealthURLAreNeverPolled(t *testing.T) {
	recorder := &callbackRecorder{}
	m := createTestMonitor(t, recorder)

	m.Track("alpha-worker", nil, "", units.RestartAlways)
	m.tick(context.Background())

	status, err := m.Status("alpha-worker")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, status)
	assert.Equal(t, 0, recorder.restartCount())
}
