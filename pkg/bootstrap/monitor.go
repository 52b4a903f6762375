package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/hub-tools/hub-supervisor/pkg/errors"
	"github.com/hub-tools/hub-supervisor/pkg/logging"
	"github.com/hub-tools/hub-supervisor/pkg/process"
	"github.com/hub-tools/hub-supervisor/pkg/processfile"
)

// State of the watchdog loop.
type State string

const (
	StateSupervisorMissing State = "supervisor_missing"
	StateMonitoring        State = "monitoring"
)

// Options configures the watchdog. The monitor only ever knows whether the
// supervisor itself is alive and answering; per-unit knowledge belongs to
// the health monitor inside the supervisor.
type Options struct {
	SupervisorCommand []string      `yaml:"supervisor_command"`
	SupervisorPIDName string        `yaml:"supervisor_pid_name,omitempty"`
	RunDir            string        `yaml:"run_dir"`
	HealthURL         string        `yaml:"health_url"`
	Interval          time.Duration `yaml:"interval,omitempty"`
	FailureLimit      int           `yaml:"failure_limit,omitempty"`
	SpawnWait         time.Duration `yaml:"spawn_wait,omitempty"`
	LogDir            string        `yaml:"log_dir,omitempty"`
}

func setOptionDefaults(options *Options) {
	if options.Interval == 0 {
		options.Interval = 10 * time.Second
	}
	if options.FailureLimit == 0 {
		options.FailureLimit = 3
	}
	if options.SpawnWait == 0 {
		options.SpawnWait = 15 * time.Second
	}
	if options.SupervisorPIDName == "" {
		options.SupervisorPIDName = "supervisord"
	}
}

func ValidateOptions(options Options) error {
	if len(options.SupervisorCommand) == 0 {
		return errors.NewValidationError("supervisor command cannot be empty", nil)
	}
	if options.RunDir == "" {
		return errors.NewValidationError("run directory cannot be empty", nil)
	}
	if options.HealthURL == "" {
		return errors.NewValidationError("health URL cannot be empty", nil)
	}
	return nil
}

// Monitor keeps exactly one supervisor instance alive. Communication with
// the supervisor is limited to process existence checks and one HTTP health
// call per tick.
type Monitor struct {
	options  Options
	logger   logging.Logger
	pidFiles *processfile.Manager
	client   *http.Client

	state    State
	failures int
}

func NewMonitor(options Options, logger logging.Logger) (*Monitor, error) {
	setOptionDefaults(&options)
	if err := ValidateOptions(options); err != nil {
		return nil, err
	}
	return &Monitor{
		options:  options,
		logger:   logger,
		pidFiles: processfile.NewManager(options.RunDir, logger),
		client:   &http.Client{Timeout: 5 * time.Second},
		state:    StateSupervisorMissing,
	}, nil
}

// Run loops until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Infof("Bootstrap monitor starting, interval: %v, failure_limit: %d",
		m.options.Interval, m.options.FailureLimit)

	ticker := time.NewTicker(m.options.Interval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ticker.C:
			m.tick(ctx)
		case <-ctx.Done():
			m.logger.Infof("Bootstrap monitor stopping")
			return nil
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	pid, err := m.pidFiles.ReadLive(m.options.SupervisorPIDName)
	if err != nil {
		// An unreadable PID file counts as a missing supervisor; keeping it
		// around would wedge every future tick on the same error.
		m.logger.Warnf("Removing unreadable supervisor PID file: %v", err)
		if removeErr := m.pidFiles.Remove(m.options.SupervisorPIDName); removeErr != nil {
			m.logger.Errorf("Failed to remove supervisor PID file: %v", removeErr)
			return
		}
		pid = 0
	}

	if pid == 0 {
		m.setState(StateSupervisorMissing)
		m.failures = 0
		m.spawnSupervisor(ctx)
		return
	}

	m.setState(StateMonitoring)

	if m.probeHealth(ctx) {
		m.failures = 0
		return
	}

	m.failures++
	m.logger.Warnf("Supervisor health check failed, consecutive failures: %d/%d", m.failures, m.options.FailureLimit)

	if m.failures >= m.options.FailureLimit {
		m.logger.Errorf("Supervisor unresponsive, force killing, PID: %d", pid)
		if err := process.StopPID(pid, 5*time.Second, m.logger); err != nil {
			m.logger.Errorf("Failed to kill supervisor, PID: %d, error: %v", pid, err)
		}
		m.failures = 0
		// The next tick detects the missing supervisor and restarts it.
	}
}

func (m *Monitor) spawnSupervisor(ctx context.Context) {
	m.logger.Infof("Supervisor missing, starting: %v", m.options.SupervisorCommand)

	logPath := ""
	if m.options.LogDir != "" {
		logPath = filepath.Join(m.options.LogDir, "supervisord.log")
	}

	pid, err := process.StartDetached(m.options.SupervisorCommand, logPath)
	if err != nil {
		m.logger.Errorf("Failed to start supervisor: %v", err)
		return
	}
	m.logger.Infof("Supervisor started, PID: %d; waiting %v before re-checking", pid, m.options.SpawnWait)

	select {
	case <-time.After(m.options.SpawnWait):
	case <-ctx.Done():
	}
}

func (m *Monitor) probeHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.options.HealthURL, nil)
	if err != nil {
		m.logger.Errorf("Failed to build health request: %v", err)
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (m *Monitor) setState(state State) {
	if m.state == state {
		return
	}
	m.logger.Infof("Bootstrap monitor state: %s -> %s", m.state, state)
	m.state = state
}

// HealthURLFor builds the supervisor health URL for a control port.
func HealthURLFor(controlPort int) string {
	return fmt.Sprintf("http://127.0.0.1:%d/healthz", controlPort)
}
