package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hub-tools/hub-supervisor/pkg/errors"
	"github.com/hub-tools/hub-supervisor/pkg/logging"
	"github.com/hub-tools/hub-supervisor/pkg/units"
)

// UnitStatus is the per-unit health state machine state.
type UnitStatus string

const (
	// StatusHealthy is the optimistic initial state the instant a unit starts.
	StatusHealthy UnitStatus = "healthy"

	// StatusUnhealthy records a failed check; no action is taken yet.
	StatusUnhealthy UnitStatus = "unhealthy"

	// StatusRestarting means a stop/start cycle is in flight.
	StatusRestarting UnitStatus = "restarting"

	// StatusFailed is terminal: the unit is no longer polled until a manual
	// restart clears its counters.
	StatusFailed UnitStatus = "failed"
)

// Options configures the monitor loop. FailureThreshold (consecutive failed
// checks before a restart) and RestartBudget (restart attempts before giving
// up) are deliberately independent knobs.
type Options struct {
	Interval         time.Duration `yaml:"interval,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
	FailureThreshold int           `yaml:"failure_threshold,omitempty"`
	RestartBudget    int           `yaml:"restart_budget,omitempty"`
}

func DefaultOptions() Options {
	return Options{
		Interval:         30 * time.Second,
		Timeout:          5 * time.Second,
		FailureThreshold: 2,
		RestartBudget:    2,
	}
}

func ValidateOptions(options Options) error {
	if options.Interval <= 0 {
		return errors.NewValidationError("health poll interval must be positive", nil)
	}
	if options.Timeout <= 0 {
		return errors.NewValidationError("health check timeout must be positive", nil)
	}
	if options.Timeout >= options.Interval {
		return errors.NewValidationError("health check timeout must be shorter than the poll interval", nil)
	}
	if options.FailureThreshold < 1 {
		return errors.NewValidationError("failure threshold must be at least 1", nil)
	}
	if options.RestartBudget < 1 {
		return errors.NewValidationError("restart budget must be at least 1", nil)
	}
	return nil
}

// Callbacks connect the monitor to the supervisor's unit lifecycle.
// Restart performs a full stop/start of the named unit; Stop only stops it
// (used when the restart budget is exhausted). OnStatus receives every
// status transition for runtime-state bookkeeping.
type Callbacks struct {
	Restart  func(ctx context.Context, name string) error
	Stop     func(ctx context.Context, name string) error
	OnStatus func(name string, status UnitStatus)
}

// UnitHealth is a read-only snapshot of one unit's health bookkeeping.
type UnitHealth struct {
	Name      string     `json:"name"`
	Status    UnitStatus `json:"status"`
	Failures  int        `json:"failures"`
	Restarts  int        `json:"restarts"`
	LastCheck time.Time  `json:"last_check,omitempty"`
	Message   string     `json:"message,omitempty"`
}

type unitHealth struct {
	name   string
	url    string // empty when the unit declares no health path
	policy units.RestartPolicy

	status    UnitStatus
	failures  int
	restarts  int
	lastCheck time.Time
	message   string
	polling   bool

	// Serializes scheduled and manual restarts of the same unit.
	restartMutex sync.Mutex
}

// Monitor polls the declared health endpoint of every tracked unit on a
// fixed interval and drives the bounded-retry restart state machine. It is
// a circuit breaker, not a backoff scheduler: the unit population is small
// and locally hosted.
type Monitor struct {
	options   Options
	callbacks Callbacks
	logger    logging.Logger
	client    *http.Client

	mutex    sync.Mutex
	unitsMap map[string]*unitHealth
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewMonitor(options Options, callbacks Callbacks, logger logging.Logger) *Monitor {
	return &Monitor{
		options:   options,
		callbacks: callbacks,
		logger:    logger,
		client:    &http.Client{Timeout: options.Timeout},
		unitsMap:  make(map[string]*unitHealth),
		stopChan:  make(chan struct{}),
	}
}

// Track registers a unit in the optimistic healthy state. A unit with no
// health path (or no port) is tracked but never polled.
func (m *Monitor) Track(name string, port *int, healthPath string, policy units.RestartPolicy) {
	url := ""
	if healthPath != "" && port != nil {
		url = fmt.Sprintf("http://127.0.0.1:%d%s", *port, healthPath)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.unitsMap[name] = &unitHealth{
		name:   name,
		url:    url,
		policy: policy,
		status: StatusHealthy,
	}
	m.logger.Debugf("Tracking unit health, unit: %s, url: %s, policy: %s", name, url, policy)
}

// Forget removes a unit from monitoring.
func (m *Monitor) Forget(name string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.unitsMap, name)
}

func (m *Monitor) Start(ctx context.Context) error {
	if err := ValidateOptions(m.options); err != nil {
		return errors.NewValidationError("invalid health monitor options", err)
	}

	m.logger.Infof("Starting health monitor, interval: %v, timeout: %v, failure_threshold: %d, restart_budget: %d",
		m.options.Interval, m.options.Timeout, m.options.FailureThreshold, m.options.RestartBudget)

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

func (m *Monitor) Stop() {
	m.logger.Infof("Stopping health monitor")
	close(m.stopChan)
	m.wg.Wait()
	m.logger.Infof("Health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.options.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick(ctx)
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick launches one poll goroutine per pollable unit. Units already being
// polled or restarted are skipped so a slow unit never blocks the timer for
// other units.
func (m *Monitor) tick(ctx context.Context) {
	m.mutex.Lock()
	var due []*unitHealth
	for _, unit := range m.unitsMap {
		if unit.url == "" || unit.polling {
			continue
		}
		if unit.status == StatusFailed || unit.status == StatusRestarting {
			continue
		}
		unit.polling = true
		due = append(due, unit)
	}
	m.mutex.Unlock()

	for _, unit := range due {
		unit := unit
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.poll(ctx, unit)
			m.mutex.Lock()
			unit.polling = false
			m.mutex.Unlock()
		}()
	}
}

func (m *Monitor) poll(ctx context.Context, unit *unitHealth) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, unit.url, nil)
	if err != nil {
		m.recordFailure(ctx, unit, fmt.Sprintf("failed to build health request: %v", err))
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.recordFailure(ctx, unit, fmt.Sprintf("health request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		m.recordSuccess(unit)
		return
	}
	m.recordFailure(ctx, unit, fmt.Sprintf("health check returned %d", resp.StatusCode))
}

// recordSuccess resets both counters: a passing check confirms the unit
// healthy, so restart attempts start counting from zero again.
func (m *Monitor) recordSuccess(unit *unitHealth) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	unit.lastCheck = time.Now()
	unit.failures = 0
	unit.restarts = 0
	unit.message = ""

	if unit.status != StatusHealthy {
		m.logger.Infof("Unit health recovered, unit: %s, previous: %s", unit.name, unit.status)
		m.setStatusUnderLock(unit, StatusHealthy)
	}
}

func (m *Monitor) recordFailure(ctx context.Context, unit *unitHealth, message string) {
	m.mutex.Lock()

	unit.lastCheck = time.Now()
	unit.failures++
	unit.message = message

	m.logger.Warnf("Unit health check failed, unit: %s, consecutive_failures: %d, message: %s",
		unit.name, unit.failures, message)

	if unit.failures < m.options.FailureThreshold {
		if unit.status == StatusHealthy {
			m.setStatusUnderLock(unit, StatusUnhealthy)
		}
		m.mutex.Unlock()
		return
	}

	if unit.policy == units.RestartNever {
		// Recorded, never acted on.
		if unit.status == StatusHealthy {
			m.setStatusUnderLock(unit, StatusUnhealthy)
		}
		m.mutex.Unlock()
		return
	}

	unit.restarts++
	attempt := unit.restarts
	m.setStatusUnderLock(unit, StatusRestarting)
	m.mutex.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.executeScheduledRestart(ctx, unit, attempt)
	}()
}

// executeScheduledRestart performs the stop/start (or final stop) decided by
// the restart budget. Runs outside the table lock so polls of other units
// proceed; the per-unit restart mutex serializes against manual restarts.
func (m *Monitor) executeScheduledRestart(ctx context.Context, unit *unitHealth, attempt int) {
	unit.restartMutex.Lock()
	defer unit.restartMutex.Unlock()

	if attempt < m.options.RestartBudget {
		m.logger.Warnf("Restarting unhealthy unit, unit: %s, attempt: %d/%d", unit.name, attempt, m.options.RestartBudget)

		err := m.callbacks.Restart(ctx, unit.name)

		m.mutex.Lock()
		defer m.mutex.Unlock()
		if err != nil {
			m.logger.Errorf("Scheduled restart failed, unit: %s, error: %v", unit.name, err)
			m.setStatusUnderLock(unit, StatusFailed)
			return
		}
		unit.failures = 0
		m.setStatusUnderLock(unit, StatusHealthy)
		return
	}

	m.logger.Errorf("Restart budget exhausted, giving up on unit, unit: %s, attempts: %d", unit.name, attempt)

	if err := m.callbacks.Stop(ctx, unit.name); err != nil {
		m.logger.Errorf("Failed to stop failed unit, unit: %s, error: %v", unit.name, err)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.setStatusUnderLock(unit, StatusFailed)
}

// ManualRestart performs the stop/start sequence and unconditionally resets
// both counters, from any state including failed.
func (m *Monitor) ManualRestart(ctx context.Context, name string) error {
	m.mutex.Lock()
	unit, exists := m.unitsMap[name]
	m.mutex.Unlock()
	if !exists {
		return errors.NewNotFoundError("unit is not tracked", nil).WithContext("unit", name)
	}

	unit.restartMutex.Lock()
	defer unit.restartMutex.Unlock()

	m.mutex.Lock()
	unit.failures = 0
	unit.restarts = 0
	unit.message = ""
	m.setStatusUnderLock(unit, StatusRestarting)
	m.mutex.Unlock()

	m.logger.Infof("Manual restart requested, unit: %s", name)

	err := m.callbacks.Restart(ctx, name)

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if err != nil {
		m.setStatusUnderLock(unit, StatusFailed)
		return errors.NewProcessError("manual restart failed", err).WithContext("unit", name)
	}
	m.setStatusUnderLock(unit, StatusHealthy)
	return nil
}

// Snapshot returns a copy of every tracked unit's health bookkeeping.
func (m *Monitor) Snapshot() map[string]UnitHealth {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	snapshot := make(map[string]UnitHealth, len(m.unitsMap))
	for name, unit := range m.unitsMap {
		snapshot[name] = UnitHealth{
			Name:      unit.name,
			Status:    unit.status,
			Failures:  unit.failures,
			Restarts:  unit.restarts,
			LastCheck: unit.lastCheck,
			Message:   unit.message,
		}
	}
	return snapshot
}

// Status returns the current state machine state for one unit.
func (m *Monitor) Status(name string) (UnitStatus, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	unit, exists := m.unitsMap[name]
	if !exists {
		return "", errors.NewNotFoundError("unit is not tracked", nil).WithContext("unit", name)
	}
	return unit.status, nil
}

func (m *Monitor) setStatusUnderLock(unit *unitHealth, status UnitStatus) {
	if unit.status == status {
		return
	}
	unit.status = status
	if m.callbacks.OnStatus != nil {
		m.callbacks.OnStatus(unit.name, status)
	}
}
